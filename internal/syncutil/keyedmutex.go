// Package syncutil provides keyed locking primitives.
package syncutil

import (
	"context"
	"hash/fnv"
)

const keyedMutexShards = 64

// KeyedMutex serializes work per string key over a fixed pool of
// channel-based locks. Acquisition respects context cancellation, so a
// caller waiting behind a slow holder can bail out. Keys that hash to the
// same shard contend with each other; memory stays bounded no matter how
// many keys are seen.
type KeyedMutex struct {
	shards [keyedMutexShards]chan struct{}
}

// NewKeyedMutex creates a keyed mutex with all shards unlocked.
func NewKeyedMutex() *KeyedMutex {
	m := &KeyedMutex{}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// Lock acquires the lock for key. On success it returns an unlock function
// the caller must invoke. If ctx is cancelled while waiting, it returns
// the context error and nothing is held.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	shard := m.shards[m.shardIdx(key)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % keyedMutexShards
}
