package replicaclient

import (
	"context"
	"fmt"

	"github.com/foonetic/timelined/internal/store"
)

// PushAsync submits a right-push-if-exists (spec.md §4.1 "push"). It is a
// non-blocking submission: it enqueues the call and returns immediately,
// delivering the new length to callback or an error to errorHandler from
// the worker goroutine.
func (c *Client) PushAsync(timeline string, entry store.Entry, callback func(newLen int), errorHandler func(error)) error {
	return c.submitAsync("push",
		func(ctx context.Context) (interface{}, error) {
			return c.backend.RPushX(ctx, timeline, entry)
		},
		func(v interface{}) {
			if callback != nil {
				callback(v.(int))
			}
		},
		errorHandler,
	)
}

// PopAsync submits a removal of every exact-match occurrence of entry
// (spec.md §4.1 "pop").
func (c *Client) PopAsync(timeline string, entry store.Entry, callback func(removed int), errorHandler func(error)) error {
	return c.submitAsync("pop",
		func(ctx context.Context) (interface{}, error) {
			return c.backend.LRem(ctx, timeline, entry)
		},
		func(v interface{}) {
			if callback != nil {
				callback(v.(int))
			}
		},
		errorHandler,
	)
}

// PushAfterAsync submits an insert-before of newEntry immediately ahead
// of the nearest-to-tail occurrence of oldEntry (spec.md §4.1
// "pushAfter"). If oldEntry is absent, no insertion occurs and callback
// is invoked with inserted=false.
func (c *Client) PushAfterAsync(timeline string, oldEntry, newEntry store.Entry, callback func(inserted bool), errorHandler func(error)) error {
	return c.submitAsync("pushAfter",
		func(ctx context.Context) (interface{}, error) {
			return c.backend.LInsertBefore(ctx, timeline, oldEntry, newEntry)
		},
		func(v interface{}) {
			if callback != nil {
				callback(v.(bool))
			}
		},
		errorHandler,
	)
}

// Get returns up to length entries starting offset from the tail
// (newest), newest-first (spec.md §4.1 "get"). length <= 0 means "from
// offset to the beginning".
func (c *Client) Get(ctx context.Context, timeline string, offset, length int) ([]store.Entry, error) {
	v, err := c.submitSync(ctx, "get", c.cfg.CallTimeout, func(ctx context.Context) (interface{}, error) {
		return c.backend.LRange(ctx, timeline, offset, length)
	})
	if err != nil {
		return nil, err
	}
	return v.([]store.Entry), nil
}

// Size returns the timeline's length (spec.md §4.1 "size").
func (c *Client) Size(ctx context.Context, timeline string) (int, error) {
	v, err := c.submitSync(ctx, "size", c.cfg.CallTimeout, func(ctx context.Context) (interface{}, error) {
		return c.backend.LLen(ctx, timeline)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// Delete removes the timeline entirely (spec.md §4.1 "delete").
func (c *Client) Delete(ctx context.Context, timeline string) error {
	_, err := c.submitSync(ctx, "delete", c.cfg.CallTimeout, func(ctx context.Context) (interface{}, error) {
		return c.backend.Del(ctx, timeline)
	})
	return err
}

// Trim keeps the last size entries (spec.md §4.1 "trim"). Client.Trim
// itself is a normal synchronous pipeline submission; the fire-and-forget
// behavior spec.md §4.5 describes is a property of how Shard calls it
// (without waiting on or propagating the result), not of this method.
func (c *Client) Trim(ctx context.Context, timeline string, size int) error {
	_, err := c.submitSync(ctx, "trim", c.cfg.CallTimeout, func(ctx context.Context) (interface{}, error) {
		return nil, c.backend.LTrim(ctx, timeline, size)
	})
	return err
}

// maxTempNameAttempts bounds the retry loop SetAtomically uses to avoid
// colliding with an existing key when generating its temp timeline name.
const maxTempNameAttempts = 5

// SetAtomically implements the atomic bulk replace protocol (spec.md
// §4.4): generate a unique temp name, right-push entries onto it (plain
// RPush, unconditional, so the first push is what creates the temp list),
// then atomically rename temp onto target. entries is newest-first, so to
// land newest-at-tail (the invariant get() relies on, spec.md §8 property
// #4) the pushes must run oldest-to-newest, i.e. entries in reverse. On
// empty input, SetAtomically does nothing.
func (c *Client) SetAtomically(ctx context.Context, timeline string, entries []store.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	v, err := c.submitSync(ctx, "setAtomically", c.cfg.CallTimeout, func(ctx context.Context) (interface{}, error) {
		var temp string
		for attempt := 0; ; attempt++ {
			temp = tempTimelineName(timeline)
			exists, err := c.backend.Exists(ctx, temp)
			if err != nil {
				return nil, err
			}
			if !exists {
				break
			}
			if attempt+1 >= maxTempNameAttempts {
				return nil, fmt.Errorf("replicaclient: could not allocate unique temp name for %q after %d attempts", timeline, maxTempNameAttempts)
			}
		}

		for i := len(entries) - 1; i >= 0; i-- {
			if _, err := c.backend.RPush(ctx, temp, entries[i]); err != nil {
				return nil, err
			}
		}

		if err := c.backend.Rename(ctx, temp, timeline); err != nil {
			return nil, err
		}
		return nil, nil
	})
	_ = v
	return err
}

// SetLiveStart begins a live copy: delete any existing timeline, then
// append exactly the Empty Sentinel (spec.md §4.4 step 1). After this
// call the timeline exists and push()es will land at its tail, but
// readers must be suppressed externally until copy completes.
func (c *Client) SetLiveStart(ctx context.Context, timeline string) error {
	_, err := c.submitSync(ctx, "setLiveStart", c.cfg.CallTimeout, func(ctx context.Context) (interface{}, error) {
		if _, err := c.backend.Del(ctx, timeline); err != nil {
			return nil, err
		}
		return c.backend.RPush(ctx, timeline, store.EmptySentinel)
	})
	return err
}

// SetLive left-pushes (prepends) entries to timeline, but only if the
// timeline already exists (spec.md §4.4 step 3: "uses lpushx, so if the
// sentinel step has not run, setLive is a silent no-op"). entries are
// prepended in the order given, each one landing immediately after the
// previous at the head, which places the oldest of entries furthest from
// the tail — exactly spec.md §8's "sentinel followed by xs in reverse
// insertion order at the head".
func (c *Client) SetLive(ctx context.Context, timeline string, entries []store.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := c.submitSync(ctx, "setLive", c.cfg.CallTimeout, func(ctx context.Context) (interface{}, error) {
		for _, e := range entries {
			if _, err := c.backend.LPushX(ctx, timeline, e); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return err
}

// MakeKeyList captures a snapshot of every timeline name into the
// reserved %keys list (spec.md §4.6): enumerate, clear %keys, append each
// key, then force a flush by issuing a size(%keys) and waiting on it.
func (c *Client) MakeKeyList(ctx context.Context) error {
	_, err := c.submitSync(ctx, "makeKeyList", c.cfg.KeysTimeout, func(ctx context.Context) (interface{}, error) {
		keys, err := c.backend.Keys(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.backend.LTrim(ctx, store.KeyListName, 0); err != nil {
			return nil, err
		}
		for _, k := range keys {
			if k == store.KeyListName {
				continue
			}
			if _, err := c.backend.RPush(ctx, store.KeyListName, store.Entry(k)); err != nil {
				return nil, err
			}
		}
		return c.backend.LLen(ctx, store.KeyListName)
	})
	return err
}

// GetKeys returns a slice of the %keys snapshot (spec.md §4.6).
func (c *Client) GetKeys(ctx context.Context, offset, count int) ([]string, error) {
	v, err := c.submitSync(ctx, "getKeys", c.cfg.KeysTimeout, func(ctx context.Context) (interface{}, error) {
		entries, err := c.backend.LRange(ctx, store.KeyListName, offset, count)
		if err != nil {
			return nil, err
		}
		out := make([]string, len(entries))
		for i, e := range entries {
			out[i] = string(e)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// DeleteKeyList removes the %keys snapshot (spec.md §4.6).
func (c *Client) DeleteKeyList(ctx context.Context) error {
	_, err := c.submitSync(ctx, "deleteKeyList", c.cfg.KeysTimeout, func(ctx context.Context) (interface{}, error) {
		return c.backend.Del(ctx, store.KeyListName)
	})
	return err
}
