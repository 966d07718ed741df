package scheduler

import (
	"context"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ioustamora/datamesh/internal/cryptoutil"
	"github.com/ioustamora/datamesh/internal/dmerrors"
	"github.com/ioustamora/datamesh/internal/domain"
)

// fakeActor is an in-memory PutGetter. failKeys lets tests make specific
// shard keys fail a bounded number of times before succeeding, or forever.
type fakeActor struct {
	mu       sync.Mutex
	store    map[string][]byte
	failN    map[string]int // remaining forced failures, by hex key
	delay    time.Duration
}

func newFakeActor() *fakeActor {
	return &fakeActor{store: make(map[string][]byte), failN: make(map[string]int)}
}

func (f *fakeActor) Put(ctx context.Context, key, value []byte) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	k := hex.EncodeToString(key)
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.failN[k]; n > 0 {
		f.failN[k] = n - 1
		return dmerrors.ErrDialFailed
	}
	f.store[k] = value
	return nil
}

func (f *fakeActor) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	k := hex.EncodeToString(key)
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.failN[k]; n > 0 {
		f.failN[k] = n - 1
		return nil, false, nil
	}
	v, ok := f.store[k]
	return v, ok, nil
}

func buildManifest(t *testing.T, data, parity int, shardBytes [][]byte) domain.ShardManifest {
	t.Helper()
	m := domain.ShardManifest{DataShards: data, ParityShards: parity}
	for i, b := range shardBytes {
		role := domain.ShardRoleData
		if i >= data {
			role = domain.ShardRoleParity
		}
		m.Shards = append(m.Shards, domain.ShardDescriptor{
			Index:     i,
			Role:      role,
			ShardHash: cryptoutil.HashHex(b),
			DHTKey:    hex.EncodeToString([]byte{byte(i), 0xAB, 0xCD}),
		})
	}
	return m
}

func makeShards(n, size int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		b := make([]byte, size)
		for j := range b {
			b[j] = byte(i + 1)
		}
		out[i] = b
	}
	return out
}

func TestPublishReturnsAtQuorum(t *testing.T) {
	actor := newFakeActor()
	shards := makeShards(6, 32)
	manifest := buildManifest(t, 4, 2, shards)

	cfg := DefaultConfig()
	cfg.MinParityQuorum = 1
	s := New(actor, cfg)

	n, err := s.Publish(context.Background(), manifest, shards)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 5) // data_shards(4) + min_parity(1)

	// Give the background continuation time to finish storing the rest.
	time.Sleep(50 * time.Millisecond)
	actor.mu.Lock()
	defer actor.mu.Unlock()
	require.Len(t, actor.store, 6)
}

func TestPublishRetriesTransientFailures(t *testing.T) {
	actor := newFakeActor()
	shards := makeShards(4, 16)
	manifest := buildManifest(t, 3, 1, shards)

	key0 := manifest.Shards[0].DHTKey
	keyBytes, err := hex.DecodeString(key0)
	require.NoError(t, err)
	actor.failN[hex.EncodeToString(keyBytes)] = 2 // fails twice, succeeds on 3rd attempt

	cfg := DefaultConfig()
	cfg.RetryBackoffBase = time.Millisecond
	cfg.MinParityQuorum = 1
	s := New(actor, cfg)

	n, err := s.Publish(context.Background(), manifest, shards)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 4)
}

func TestFetchReconstructsFromSubsetOfShards(t *testing.T) {
	actor := newFakeActor()
	shards := makeShards(4, 16)
	manifest := buildManifest(t, 4, 2, append(shards, makeShards(2, 16)...))

	cfg := DefaultConfig()
	cfg.ParityFetchDelay = 0
	s := New(actor, cfg)

	all := append(append([][]byte{}, shards...), makeShards(2, 16)...)
	_, err := s.Publish(context.Background(), manifest, all)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	out, err := s.Fetch(context.Background(), manifest)
	require.NoError(t, err)

	valid := 0
	for _, shard := range out {
		if shard != nil {
			valid++
		}
	}
	require.GreaterOrEqual(t, valid, manifest.DataShards)
}

func TestFetchFailsOnUnrecoverableLoss(t *testing.T) {
	actor := newFakeActor()
	shards := makeShards(6, 16)
	manifest := buildManifest(t, 4, 2, shards)

	cfg := DefaultConfig()
	cfg.RetryLimit = 0
	cfg.RetryBackoffBase = time.Millisecond
	cfg.ParityFetchDelay = 0
	s := New(actor, cfg)

	// Never publish anything: every Get misses, so Fetch must fail.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := s.Fetch(ctx, manifest)
	require.Error(t, err)
	require.True(t, err == dmerrors.ErrUnrecoverableLoss || dmerrors.KindOf(err) == dmerrors.KindLifecycle)
}
