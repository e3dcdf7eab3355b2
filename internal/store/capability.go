package store

import "context"

// Capability is the operation set both a single-replica Shard and a
// fanned-out ReplicatingShard expose (spec.md §9 "Polymorphism over
// replicas"). Callers should depend on this interface, not on either
// concrete type.
type Capability interface {
	Push(ctx context.Context, timeline string, entry Entry) (int, error)
	Pop(ctx context.Context, timeline string, entry Entry) error
	PushAfter(ctx context.Context, timeline string, oldEntry, newEntry Entry) error
	Get(ctx context.Context, timeline string, offset, length int) ([]Entry, error)
	Size(ctx context.Context, timeline string) (int, error)
	Delete(ctx context.Context, timeline string) error
	Trim(ctx context.Context, timeline string, size int)
	SetAtomically(ctx context.Context, timeline string, entries []Entry) error
	SetLiveStart(ctx context.Context, timeline string) error
	SetLive(ctx context.Context, timeline string, entries []Entry) error
	MakeKeyList(ctx context.Context) error
	GetKeys(ctx context.Context, offset, count int) ([]string, error)
	DeleteKeyList(ctx context.Context) error
}
