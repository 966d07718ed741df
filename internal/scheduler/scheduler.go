// Package scheduler implements the bounded-concurrency chunk scheduler of
// §4.6: it drives the network actor's Put/Get mailbox to publish and fetch
// a file's shard set, retrying transient failures with backoff and
// completing as soon as a quorum of shards is safely stored or enough
// shards are recovered to reconstruct.
package scheduler

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/ioustamora/datamesh/internal/cryptoutil"
	"github.com/ioustamora/datamesh/internal/dmerrors"
	"github.com/ioustamora/datamesh/internal/domain"
	"github.com/ioustamora/datamesh/internal/logging"
)

// PutGetter is the slice of netactor.Actor the scheduler drives,
// expressed as an interface so tests can exercise the retry/quorum logic
// against a fake without a real DHT actor underneath.
type PutGetter interface {
	Put(ctx context.Context, key, value []byte) error
	Get(ctx context.Context, key []byte) ([]byte, bool, error)
}

// Config tunes retry, concurrency, and quorum behaviour (§4.6, SPEC_FULL.md
// Open Question #1).
type Config struct {
	MaxConcurrency    int
	RetryLimit        int
	RetryBackoffBase  time.Duration
	RetryBackoffCap   time.Duration
	MinParityQuorum   int           // additional parity copies required beyond data_shards before Publish returns
	ParityFetchDelay  time.Duration // delay before parity fetches start, so data shards are preferred (§4.6 tie-break)
	ShowProgress      bool
}

// DefaultConfig matches SPEC_FULL.md's Open Question #1 decision: retry
// limit 4, 100ms base backoff doubling up to a 5s cap.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:   8,
		RetryLimit:       4,
		RetryBackoffBase: 100 * time.Millisecond,
		RetryBackoffCap:  5 * time.Second,
		MinParityQuorum:  1,
		ParityFetchDelay: 150 * time.Millisecond,
		ShowProgress:     false,
	}
}

// Scheduler drives an actor's mailbox to publish and fetch shard sets.
type Scheduler struct {
	actor PutGetter
	cfg   Config
	log   interface {
		Debugf(format string, args ...interface{})
		Warnf(format string, args ...interface{})
	}
}

// New builds a Scheduler around actor.
func New(actor PutGetter, cfg Config) *Scheduler {
	return &Scheduler{actor: actor, cfg: cfg, log: logging.Entry("scheduler")}
}

func shardKey(desc domain.ShardDescriptor) ([]byte, error) {
	key, err := hex.DecodeString(desc.DHTKey)
	if err != nil {
		return nil, fmt.Errorf("decoding shard dht key: %w", err)
	}
	return key, nil
}

func (s *Scheduler) putWithRetry(ctx context.Context, desc domain.ShardDescriptor, data []byte) error {
	key, err := shardKey(desc)
	if err != nil {
		return err
	}

	backoff := s.cfg.RetryBackoffBase
	var lastErr error
	for attempt := 0; attempt <= s.cfg.RetryLimit; attempt++ {
		lastErr = s.actor.Put(ctx, key, data)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == s.cfg.RetryLimit {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > s.cfg.RetryBackoffCap {
			backoff = s.cfg.RetryBackoffCap
		}
	}
	return lastErr
}

func (s *Scheduler) getWithRetry(ctx context.Context, desc domain.ShardDescriptor) ([]byte, error) {
	key, err := shardKey(desc)
	if err != nil {
		return nil, err
	}

	backoff := s.cfg.RetryBackoffBase
	var lastErr error
	for attempt := 0; attempt <= s.cfg.RetryLimit; attempt++ {
		val, found, err := s.actor.Get(ctx, key)
		if err == nil && found {
			return val, nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("shard %d not found", desc.Index)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == s.cfg.RetryLimit {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
		if backoff > s.cfg.RetryBackoffCap {
			backoff = s.cfg.RetryBackoffCap
		}
	}
	return nil, lastErr
}

func verifyShard(desc domain.ShardDescriptor, data []byte) bool {
	return cryptoutil.HashHex(data) == desc.ShardHash
}

type publishResult struct {
	role domain.ShardRole
	err  error
}

// Publish stores every shard of manifest, returning as soon as a quorum
// (data_shards + MinParityQuorum, capped at the total shard count) has been
// safely replicated. Remaining shards keep publishing in the background
// against an independent context after Publish returns (§4.6). The returned
// int is the number of shards that had succeeded at the moment quorum was
// reached or, on failure, the final count of shards this invocation waited
// for.
func (s *Scheduler) Publish(ctx context.Context, manifest domain.ShardManifest, shards [][]byte) (int, error) {
	total := manifest.TotalShards()
	if len(shards) != total {
		return 0, fmt.Errorf("scheduler: expected %d shards, got %d", total, len(shards))
	}

	quorum := manifest.DataShards + s.cfg.MinParityQuorum
	if quorum > total {
		quorum = total
	}

	var bar *progressbar.ProgressBar
	if s.cfg.ShowProgress {
		bar = progressbar.Default(int64(total), "publishing shards")
	}

	results := make(chan publishResult, total)
	sem := make(chan struct{}, s.cfg.MaxConcurrency)
	bgCtx, cancelBg := context.WithCancel(context.Background())

	for i := range manifest.Shards {
		desc := manifest.Shards[i]
		data := shards[i]
		go func() {
			select {
			case sem <- struct{}{}:
			case <-bgCtx.Done():
				results <- publishResult{role: desc.Role, err: bgCtx.Err()}
				return
			}
			defer func() { <-sem }()
			err := s.putWithRetry(bgCtx, desc, data)
			if bar != nil {
				_ = bar.Add(1)
			}
			results <- publishResult{role: desc.Role, err: err}
		}()
	}

	type outcome struct {
		succeeded     int
		reachedQuorum bool
	}
	outcomeCh := make(chan outcome, 1)

	go func() {
		defer cancelBg()
		succeeded := 0
		reported := false
		for i := 0; i < total; i++ {
			r := <-results
			if r.err == nil {
				succeeded++
			}
			if !reported && succeeded >= quorum {
				reported = true
				outcomeCh <- outcome{succeeded: succeeded, reachedQuorum: true}
			}
		}
		if !reported {
			outcomeCh <- outcome{succeeded: succeeded, reachedQuorum: false}
		}
	}()

	select {
	case o := <-outcomeCh:
		if !o.reachedQuorum {
			return o.succeeded, dmerrors.Wrap(dmerrors.KindNetwork, dmerrors.ErrQuorumNotReached)
		}
		return o.succeeded, nil
	case <-ctx.Done():
		cancelBg()
		return 0, dmerrors.Wrap(dmerrors.KindLifecycle, ctx.Err())
	}
}

type fetchResult struct {
	desc domain.ShardDescriptor
	data []byte
	err  error
}

// Fetch retrieves enough shards of manifest to reconstruct the original
// content, preferring data shards over parity shards when both would
// satisfy the quorum (§4.6 tie-break), and verifying each shard's hash
// against the manifest as it arrives. It returns a slice of length
// TotalShards() with nil at indices it could not recover — the caller hands
// this straight to codec.Decode. If fewer than DataShards shards verify
// before ctx's deadline, it fails with ErrUnrecoverableLoss; if ctx is
// cancelled first, it returns a KindLifecycle error.
func (s *Scheduler) Fetch(ctx context.Context, manifest domain.ShardManifest) ([][]byte, error) {
	total := manifest.TotalShards()
	out := make([][]byte, total)

	var bar *progressbar.ProgressBar
	if s.cfg.ShowProgress {
		bar = progressbar.Default(int64(manifest.DataShards), "fetching shards")
	}

	fctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan fetchResult, total)
	sem := make(chan struct{}, s.cfg.MaxConcurrency)

	for i := range manifest.Shards {
		desc := manifest.Shards[i]
		launch := func() {
			select {
			case sem <- struct{}{}:
			case <-fctx.Done():
				return
			}
			defer func() { <-sem }()
			data, err := s.getWithRetry(fctx, desc)
			select {
			case results <- fetchResult{desc: desc, data: data, err: err}:
			case <-fctx.Done():
			}
		}
		if desc.Role == domain.ShardRoleParity && s.cfg.ParityFetchDelay > 0 {
			go func() {
				select {
				case <-time.After(s.cfg.ParityFetchDelay):
				case <-fctx.Done():
					return
				}
				launch()
			}()
		} else {
			go launch()
		}
	}

	valid := 0
	received := 0
	for received < total {
		select {
		case r := <-results:
			received++
			if r.err == nil && verifyShard(r.desc, r.data) {
				out[r.desc.Index] = r.data
				valid++
				if bar != nil && r.desc.Role == domain.ShardRoleData {
					_ = bar.Add(1)
				}
				if valid >= manifest.DataShards {
					cancel()
					return out, nil
				}
			} else {
				s.log.Warnf("shard %d failed verification or fetch: %v", r.desc.Index, r.err)
			}
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, dmerrors.ErrUnrecoverableLoss
			}
			return nil, dmerrors.Wrap(dmerrors.KindLifecycle, ctx.Err())
		}
	}

	return nil, dmerrors.ErrUnrecoverableLoss
}
