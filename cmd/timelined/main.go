// Command timelined wires up a sharded, replicated timeline store:
// config, logging, metrics, the name server, per-table replicating
// shards, and the HTTP admin/health surface. It does not expose the
// thrift RPC surface spec.md §6 describes as an external collaborator;
// the operations live on *replshard.ReplicatingShard for an in-process
// caller (tests, or a future RPC front end) to use directly.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/foonetic/timelined/internal/config"
	"github.com/foonetic/timelined/internal/health"
	"github.com/foonetic/timelined/internal/jobqueue"
	"github.com/foonetic/timelined/internal/metrics"
	"github.com/foonetic/timelined/internal/nameserver"
	"github.com/foonetic/timelined/internal/replicaclient"
	"github.com/foonetic/timelined/internal/replshard"
	"github.com/foonetic/timelined/internal/server"
	"github.com/foonetic/timelined/internal/shard"
	"github.com/foonetic/timelined/internal/store"
	"github.com/foonetic/timelined/internal/trim"
)

func main() {
	logger, err := initLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	configPath := os.Getenv("TIMELINED_CONFIG")
	if configPath == "" {
		configPath = "./config.yaml"
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	logger.Info("configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.Int("tables", len(cfg.Tables)))

	m := metrics.New(cfg.Server.NodeID)

	trimPolicy, err := trim.NewPolicy(cfg.TimelineTrim.Bounds)
	if err != nil {
		logger.Fatal("invalid trim policy", zap.Error(err))
	}

	ns := nameserver.NewInMemory(nameserver.ByteSwapHash)

	pools := make(map[string]health.PoolChecker)
	replicatingShards := make(map[string]*replshard.ReplicatingShard, len(cfg.Tables))

	badJobsFile, err := os.OpenFile("bad_jobs.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		logger.Fatal("failed to open bad-jobs log", zap.Error(err))
	}
	defer badJobsFile.Close()
	badJobs := jobqueue.NewJSONJobLogger(badJobsFile)

	for _, table := range cfg.Tables {
		replicaConfigs := make([]replshard.ReplicaConfig, 0, len(table.Replicas))
		for _, rh := range table.Replicas {
			readPool := replicaclient.NewPool(poolConfigFor(rh.Host, cfg.ReadPool), logger, m)
			writePool := replicaclient.NewPool(poolConfigFor(rh.Host, cfg.WritePool), logger, m)
			pools["read:"+rh.Host] = readPool
			pools["write:"+rh.Host] = writePool

			sh := shard.New(shard.Config{
				ReadPool:  readPool,
				WritePool: writePool,
				Trim:      trimPolicy,
				Logger:    logger,
				Metrics:   m,
			})
			replicaConfigs = append(replicaConfigs, replshard.ReplicaConfig{
				Host:   rh.Host,
				Weight: rh.Weight,
				Shard:  sh,
				Alive:  func() bool { return !readPool.Disabled() && !writePool.Disabled() },
			})
		}

		writeJobs := jobqueue.NewMemScheduler(
			table.Name+"-write", jobqueue.Write, jobqueue.DefaultPriorityConfig(jobqueue.Write),
			makeReplayFunc(replicaConfigs, logger), badJobs, logger, m,
		)
		defer writeJobs.Stop(5 * time.Second)

		rs := replshard.New(replshard.Config{
			Replicas:  replicaConfigs,
			WriteJobs: writeJobs,
			Logger:    logger,
			Metrics:   m,
		})
		replicatingShards[table.Name] = rs

		hosts := make([]string, len(table.Replicas))
		for i, rh := range table.Replicas {
			hosts[i] = rh.Host
		}
		ns.AddRange(table.Name, 0, table.Name, hosts)
		logger.Info("table wired", zap.String("table", table.Name), zap.Strings("replicas", hosts))
	}

	checker := health.New(health.Config{
		Pools:      pools,
		NameServer: ns,
		Logger:     logger,
	})
	adminServer := server.NewAdminServer(server.AdminConfig{Port: cfg.Admin.HTTPPort}, checker, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { checker.Run(gctx); return nil })
	g.Go(func() error { return adminServer.Serve(gctx) })

	logger.Info("timelined started", zap.Int("admin_port", cfg.Admin.HTTPPort))
	if err := g.Wait(); err != nil {
		logger.Error("timelined exited with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("timelined shut down cleanly")
}

// poolConfigFor builds a replicaclient.PoolConfig for host from the
// redisConfig-shaped schema spec.md §6.6 describes.
func poolConfigFor(host string, pc config.ReplicaPoolConfig) replicaclient.PoolConfig {
	return replicaclient.PoolConfig{
		Host:                  host,
		Size:                  pc.PoolSize,
		CheckoutTimeout:       time.Duration(pc.PoolTimeoutMsec) * time.Millisecond,
		AutoDisableErrorLimit: int64(pc.AutoDisableErrorLimit),
		AutoDisableDuration:   pc.AutoDisableDuration,
		ClientConfig: replicaclient.Config{
			PipelineMaxSize: pc.Pipeline,
			BatchSize:       pc.Pipeline,
			CallTimeout:     time.Duration(pc.TimeoutMsec) * time.Millisecond,
			KeysTimeout:     time.Duration(pc.KeysTimeoutMsec) * time.Millisecond,
			Expiration:      time.Duration(pc.ExpirationHours) * time.Hour,
		},
		DialOptions: store.DefaultDialOptions(host),
	}
}

// makeReplayFunc builds the jobqueue.RunFunc that replays a retried
// write job (spec.md §4.4's idempotent retry set) against the replica
// host it targeted.
func makeReplayFunc(replicas []replshard.ReplicaConfig, logger *zap.Logger) jobqueue.RunFunc {
	byHost := make(map[string]*shard.Shard, len(replicas))
	for _, r := range replicas {
		byHost[r.Host] = r.Shard
	}
	return func(ctx context.Context, job *jobqueue.Job) error {
		sh, ok := byHost[job.Host]
		if !ok {
			return fmt.Errorf("jobqueue: no shard registered for host %q", job.Host)
		}
		switch job.Op {
		case jobqueue.OpPush:
			_, err := sh.Push(ctx, job.Timeline, job.Entry)
			return err
		case jobqueue.OpPop:
			return sh.Pop(ctx, job.Timeline, job.Entry)
		case jobqueue.OpPushAfter:
			return sh.PushAfter(ctx, job.Timeline, job.OldEntry, job.NewEntry)
		case jobqueue.OpDelete:
			return sh.Delete(ctx, job.Timeline)
		default:
			logger.Warn("jobqueue: unknown op, dropping", zap.String("op", string(job.Op)))
			return nil
		}
	}
}

func initLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	return cfg.Build()
}
