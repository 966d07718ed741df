package netactor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"

	"github.com/ioustamora/datamesh/internal/dmerrors"
)

// fakeSwarm is an in-memory Swarm used to exercise the actor's scheduling
// logic without a live libp2p network.
type fakeSwarm struct {
	mu           sync.Mutex
	store        map[string][]byte
	routingSize  int
	connected    []peer.ID
	bootstrapErr error
	putDelay     time.Duration
}

func newFakeSwarm() *fakeSwarm {
	return &fakeSwarm{store: make(map[string][]byte), routingSize: 10}
}

func (f *fakeSwarm) Bootstrap(ctx context.Context, peers []peer.AddrInfo) error {
	return f.bootstrapErr
}

func (f *fakeSwarm) PutValue(ctx context.Context, key, value []byte) error {
	if f.putDelay > 0 {
		select {
		case <-time.After(f.putDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.store[string(key)] = value
	return nil
}

func (f *fakeSwarm) GetValue(ctx context.Context, key []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.store[string(key)]
	if !ok {
		return nil, context.DeadlineExceeded
	}
	return v, nil
}

func (f *fakeSwarm) AddAddress(peerID peer.ID, addr ma.Multiaddr) {}

func (f *fakeSwarm) Connect(ctx context.Context, pi peer.AddrInfo) error { return nil }

func (f *fakeSwarm) ConnectedPeers() []peer.ID { return f.connected }

func (f *fakeSwarm) RoutingTableSize() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.routingSize
}

func (f *fakeSwarm) LocalPeerID() peer.ID { return "" }

func (f *fakeSwarm) Close() error { return nil }

func startTestActor(t *testing.T, swarm Swarm, cfg Config) (*Actor, context.CancelFunc) {
	t.Helper()
	actor := New(swarm, nil, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go actor.Run(ctx)
	return actor, cancel
}

func TestPutGetRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickInterval = 50 * time.Millisecond
	actor, cancel := startTestActor(t, newFakeSwarm(), cfg)
	defer cancel()

	ctx := context.Background()
	require.NoError(t, actor.Put(ctx, []byte("key"), []byte("value")))

	val, found, err := actor.Get(ctx, []byte("key"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("value"), val)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	actor, cancel := startTestActor(t, newFakeSwarm(), DefaultConfig())
	defer cancel()

	_, found, err := actor.Get(context.Background(), []byte("absent"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestQueryTimeout(t *testing.T) {
	swarm := newFakeSwarm()
	swarm.putDelay = time.Second

	cfg := DefaultConfig()
	cfg.QueryTimeout = 50 * time.Millisecond
	cfg.TickInterval = 10 * time.Millisecond
	actor, cancel := startTestActor(t, swarm, cfg)
	defer cancel()

	err := actor.Put(context.Background(), []byte("slow"), []byte("v"))
	require.ErrorIs(t, err, dmerrors.ErrQueryTimeout)
}

func TestConcurrentPutsAllSucceed(t *testing.T) {
	actor, cancel := startTestActor(t, newFakeSwarm(), DefaultConfig())
	defer cancel()

	const n = 20
	results := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := actor.Put(context.Background(), []byte("k"), []byte("v"))
			if err == nil {
				results[i] = 1
			}
		}(i)
	}
	wg.Wait()
	for _, r := range results {
		require.Equal(t, 1, r)
	}
}

func TestShutdownDrainsOutstanding(t *testing.T) {
	swarm := newFakeSwarm()
	swarm.putDelay = 200 * time.Millisecond
	actor, cancel := startTestActor(t, swarm, DefaultConfig())
	defer cancel()

	go func() {
		_ = actor.Put(context.Background(), []byte("k"), []byte("v"))
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, actor.Shutdown(context.Background()))
}
