// Package store defines the downstream list-store protocol this system
// speaks to a backing replica, and a volatile in-memory implementation of
// it for development and tests.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrConnectionClosed is the sentinel a Backend implementation wraps into
// any error caused by operating on a closed connection. replicaclient
// classifies errors satisfying errors.Is(err, ErrConnectionClosed) as
// protocol errors (spec.md §4.1), which kill the client that raised
// them; every other backend error is an ordinary execution error.
var ErrConnectionClosed = errors.New("store: connection closed")

// Entry is an opaque byte-string timeline entry. Its internal structure is
// never interpreted by this system, except for EmptySentinel.
type Entry []byte

// EmptySentinel marks a timeline that has been started by a live copy but
// not yet backfilled. It is never produced by ordinary writes.
var EmptySentinel = Entry("\x00__empty__\x00")

// IsEmptySentinel reports whether e is the reserved empty-marker entry.
func IsEmptySentinel(e Entry) bool {
	if len(e) != len(EmptySentinel) {
		return false
	}
	for i := range e {
		if e[i] != EmptySentinel[i] {
			return false
		}
	}
	return true
}

// KeyListName is the reserved timeline name that holds a snapshot of all
// timeline names known to a single replica (see MakeKeyList).
const KeyListName = "%keys"

// DialOptions describes how a Backend connects to its one replica host.
// Values mirror the connection parameters a real list-store driver would
// need; the in-memory Backend ignores the network-specific fields.
type DialOptions struct {
	Host              string
	Port              int
	TCPNoDelay        bool
	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
}

// DefaultDialOptions matches spec defaults: port 6379, TCP_NODELAY on,
// 50ms connect timeout, 300s heartbeat.
func DefaultDialOptions(host string) DialOptions {
	return DialOptions{
		Host:              host,
		Port:              6379,
		TCPNoDelay:        true,
		ConnectTimeout:    50 * time.Millisecond,
		HeartbeatInterval: 300 * time.Second,
	}
}

// Backend is the downstream list-store protocol, restricted to the
// capabilities this system actually issues (spec.md §6): exists, rpush,
// rpushx, lpushx, lrem, linsertBefore, lrange, llen, ltrim, del, rename,
// keys, quit, heartbeat. All methods are synchronous from the caller's
// point of view; the pipelining/batching discipline lives one layer up in
// internal/replicaclient, which is the only caller of a Backend.
type Backend interface {
	Exists(ctx context.Context, key string) (bool, error)
	RPush(ctx context.Context, key string, entry Entry) (int, error)
	RPushX(ctx context.Context, key string, entry Entry) (int, error)
	LPushX(ctx context.Context, key string, entry Entry) (int, error)
	LRem(ctx context.Context, key string, entry Entry) (int, error)
	LInsertBefore(ctx context.Context, key string, pivot, entry Entry) (bool, error)
	LRange(ctx context.Context, key string, offset, length int) ([]Entry, error)
	LLen(ctx context.Context, key string) (int, error)
	LTrim(ctx context.Context, key string, size int) error
	Del(ctx context.Context, key string) (bool, error)
	Rename(ctx context.Context, src, dst string) error
	Keys(ctx context.Context) ([]string, error)
	Quit(ctx context.Context) error
	Heartbeat(ctx context.Context) error
}
