// Package integration exercises the concrete end-to-end scenarios of §8
// against the real component stack (codec, cryptoutil, netactor, scheduler,
// shardpipeline, catalog, economy, cmdcontext), substituting only the
// bottom-most Swarm with an in-memory fake so the suite runs without a live
// libp2p network.
package integration

import (
	"bytes"
	"context"
	"encoding/hex"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"

	"github.com/ioustamora/datamesh/internal/catalog"
	"github.com/ioustamora/datamesh/internal/cmdcontext"
	"github.com/ioustamora/datamesh/internal/codec"
	"github.com/ioustamora/datamesh/internal/config"
	"github.com/ioustamora/datamesh/internal/cryptoutil"
	"github.com/ioustamora/datamesh/internal/dmerrors"
	"github.com/ioustamora/datamesh/internal/domain"
	"github.com/ioustamora/datamesh/internal/economy"
	"github.com/ioustamora/datamesh/internal/netactor"
	"github.com/ioustamora/datamesh/internal/scheduler"
	"github.com/ioustamora/datamesh/internal/shardpipeline"
)

// lossySwarm is an in-memory netactor.Swarm that can drop specific keys
// entirely, simulating permanently lost shards for the parity-recovery and
// unrecoverable-loss scenarios of §8.
type lossySwarm struct {
	mu      sync.Mutex
	store   map[string][]byte
	dropped map[string]bool
}

func newLossySwarm() *lossySwarm {
	return &lossySwarm{store: make(map[string][]byte), dropped: make(map[string]bool)}
}

func (s *lossySwarm) Bootstrap(ctx context.Context, peers []peer.AddrInfo) error { return nil }

func (s *lossySwarm) PutValue(ctx context.Context, key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := string(key)
	if s.dropped[k] {
		return nil // accept the write but it never "lands" for Get
	}
	s.store[k] = value
	return nil
}

func (s *lossySwarm) GetValue(ctx context.Context, key []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := string(key)
	if s.dropped[k] {
		return nil, context.DeadlineExceeded
	}
	v, ok := s.store[k]
	if !ok {
		return nil, context.DeadlineExceeded
	}
	return v, nil
}

// drop takes manifest DHT keys (hex strings) and makes the raw key bytes the
// actor stores under unavailable.
func (s *lossySwarm) drop(hexKeys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, hk := range hexKeys {
		raw, err := hex.DecodeString(hk)
		if err != nil {
			panic(err)
		}
		k := string(raw)
		s.dropped[k] = true
		delete(s.store, k)
	}
}

func (s *lossySwarm) AddAddress(peerID peer.ID, addr ma.Multiaddr)         {}
func (s *lossySwarm) Connect(ctx context.Context, pi peer.AddrInfo) error  { return nil }
func (s *lossySwarm) ConnectedPeers() []peer.ID                           { return nil }
func (s *lossySwarm) RoutingTableSize() int                              { return 10 }
func (s *lossySwarm) LocalPeerID() peer.ID                               { return "" }
func (s *lossySwarm) Close() error                                       { return nil }

type stack struct {
	swarm    *lossySwarm
	actor    *netactor.Actor
	sched    *scheduler.Scheduler
	pipeline *shardpipeline.Pipeline
	cancel   context.CancelFunc
}

func buildStack(t *testing.T, dataShards, parityShards int) *stack {
	t.Helper()
	swarm := newLossySwarm()

	actorCfg := netactor.DefaultConfig()
	actorCfg.TickInterval = 20 * time.Millisecond
	actor := netactor.New(swarm, nil, actorCfg)
	ctx, cancel := context.WithCancel(context.Background())
	go actor.Run(ctx)

	sched := scheduler.New(actor, scheduler.DefaultConfig())

	c, err := codec.New(dataShards, parityShards)
	require.NoError(t, err)
	pipeline := shardpipeline.New(c, sched)

	return &stack{swarm: swarm, actor: actor, sched: sched, pipeline: pipeline, cancel: cancel}
}

// TestSmallFileRoundTrip covers §8's small-file store/retrieve scenario.
func TestSmallFileRoundTrip(t *testing.T) {
	st := buildStack(t, 4, 2)
	defer st.cancel()

	priv, pub, err := cryptoutil.GenerateKeypair()
	require.NoError(t, err)

	plaintext := []byte("a small file worth erasure-coding")
	res, err := st.pipeline.Store(context.Background(), plaintext, pub)
	require.NoError(t, err)
	require.False(t, res.Degraded)

	out, err := st.pipeline.Retrieve(context.Background(), res.Manifest, priv)
	require.NoError(t, err)
	require.True(t, bytes.Equal(plaintext, out))
}

// TestParityRecoveryDroppingTwoOfSix covers §8's parity-recovery scenario:
// with D=4/P=2, losing exactly 2 of 6 shards must still reconstruct.
func TestParityRecoveryDroppingTwoOfSix(t *testing.T) {
	st := buildStack(t, 4, 2)
	defer st.cancel()

	priv, pub, err := cryptoutil.GenerateKeypair()
	require.NoError(t, err)

	plaintext := bytes.Repeat([]byte("recoverable payload "), 500)
	res, err := st.pipeline.Store(context.Background(), plaintext, pub)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond) // let the background publish continuation finish
	st.swarm.drop(res.Manifest.Shards[0].DHTKey, res.Manifest.Shards[5].DHTKey)

	out, err := st.pipeline.Retrieve(context.Background(), res.Manifest, priv)
	require.NoError(t, err)
	require.True(t, bytes.Equal(plaintext, out))
}

// TestUnrecoverableLossDroppingThreeOfSix covers §8's unrecoverable-loss
// scenario: with D=4/P=2, losing 3 of 6 shards must fail cleanly.
func TestUnrecoverableLossDroppingThreeOfSix(t *testing.T) {
	st := buildStack(t, 4, 2)
	defer st.cancel()

	priv, pub, err := cryptoutil.GenerateKeypair()
	require.NoError(t, err)

	plaintext := bytes.Repeat([]byte("unrecoverable payload "), 500)
	res, err := st.pipeline.Store(context.Background(), plaintext, pub)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	st.swarm.drop(
		res.Manifest.Shards[0].DHTKey,
		res.Manifest.Shards[1].DHTKey,
		res.Manifest.Shards[5].DHTKey,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = st.pipeline.Retrieve(ctx, res.Manifest, priv)
	require.Error(t, err)
	require.ErrorIs(t, err, dmerrors.ErrUnrecoverableLoss)
}

// TestQuotaEnforcement covers §8's quota scenario via the economy service
// wired into cmdcontext.
func TestQuotaEnforcement(t *testing.T) {
	dir := t.TempDir()

	keys, err := config.NewKeyManager(filepath.Join(dir, "keys"))
	require.NoError(t, err)
	_, err = keys.Generate("node")
	require.NoError(t, err)

	cat, err := catalog.Open(filepath.Join(dir, "db.sqlite"))
	require.NoError(t, err)
	defer cat.Close()

	st := buildStack(t, 4, 2)
	defer st.cancel()

	econ := economy.New(economy.DefaultConfig())
	_, err = econ.RegisterUser("node", "")
	require.NoError(t, err)
	require.NoError(t, econ.SetQuota("node", 100))

	cfg := &config.Config{Storage: config.StorageConfig{MaxFileSize: 1 << 20}}
	ctx := cmdcontext.New(cfg, keys, st.actor, cat, st.pipeline, econ, "node")

	_, err = ctx.StoreFile(context.Background(), "small.bin", "small.bin", make([]byte, 50), "node", nil)
	require.NoError(t, err)

	_, err = ctx.StoreFile(context.Background(), "too-big.bin", "too-big.bin", make([]byte, 80), "node", nil)
	require.ErrorIs(t, err, dmerrors.ErrQuotaExceeded)
}

// TestContributorVerificationCycle covers §8's contributor proof-of-space
// scenario: becoming a Contributor, passing a challenge, and a tier
// demotion after repeated failures.
func TestContributorVerificationCycle(t *testing.T) {
	econ := economy.New(economy.DefaultConfig())
	_, err := econ.RegisterUser("contrib", "")
	require.NoError(t, err)

	u, err := econ.BecomeContributor("contrib", "/srv/datamesh/contrib", 400, 1000)
	require.NoError(t, err)
	require.Equal(t, domain.TierContributor, u.Tier)
	require.Equal(t, int64(100), u.Contributor.EarnedBytes)

	ch, err := econ.IssueChallenge("contrib", time.Minute)
	require.NoError(t, err)
	u, passed, err := econ.VerifyResponse(ch.ID, economy.ComputeProof(ch))
	require.NoError(t, err)
	require.True(t, passed)
	require.Equal(t, domain.TierContributor, u.Tier)
	require.Equal(t, 1, u.Contributor.Passed)

	for i := 0; i < 6; i++ {
		ch, err := econ.IssueChallenge("contrib", time.Minute)
		require.NoError(t, err)
		u, passed, err = econ.VerifyResponse(ch.ID, []byte("forged proof"))
		require.NoError(t, err)
		require.False(t, passed)
	}
	require.Equal(t, domain.TierFree, u.Tier)
	require.Nil(t, u.Contributor)
}

// TestActorBackPressureUnderConcurrentLoad covers §8's back-pressure
// scenario: many concurrent Put calls against a bounded mailbox must all
// complete without deadlock or loss.
func TestActorBackPressureUnderConcurrentLoad(t *testing.T) {
	swarm := newLossySwarm()
	cfg := netactor.DefaultConfig()
	cfg.MailboxCapacity = 4 // deliberately small to force queuing
	actor := netactor.New(swarm, nil, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go actor.Run(ctx)

	const n = 50
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := []byte{byte(i)}
			errs[i] = actor.Put(context.Background(), key, []byte("payload"))
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
}
