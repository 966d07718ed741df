package netactor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/ioustamora/datamesh/internal/dmerrors"
	"github.com/ioustamora/datamesh/internal/domain"
	"github.com/ioustamora/datamesh/internal/logging"
)

// State is the node lifecycle state machine of §4.5: Starting -> Listening
// -> Bootstrapping -> Ready <-> Degraded -> Draining -> Stopped.
type State string

const (
	StateStarting      State = "starting"
	StateListening     State = "listening"
	StateBootstrapping State = "bootstrapping"
	StateReady         State = "ready"
	StateDegraded      State = "degraded"
	StateDraining      State = "draining"
	StateStopped       State = "stopped"
)

// Config tunes the actor's scheduling model.
type Config struct {
	MailboxCapacity     int
	TickInterval        time.Duration
	QueryTimeout        time.Duration
	BootstrapTimeout    time.Duration
	ReadyThreshold      int           // routing table size the current sample must exceed for Ready
	ReadyWindowSize     int           // sliding window of tick samples (open question #2)
	ReadyWindowRequired int           // samples within window that must be >= threshold
	DialMaxRetries      int
	DialBackoffBase     time.Duration
	DialBackoffCap      time.Duration
}

// DefaultConfig matches the defaults implied by §4.5/§5 and the Open
// Question decisions recorded in SPEC_FULL.md.
func DefaultConfig() Config {
	return Config{
		MailboxCapacity:     256,
		TickInterval:        time.Second,
		QueryTimeout:        20 * time.Second,
		BootstrapTimeout:    30 * time.Second,
		ReadyThreshold:      4,
		ReadyWindowSize:     5,
		ReadyWindowRequired: 3,
		DialMaxRetries:      5,
		DialBackoffBase:     200 * time.Millisecond,
		DialBackoffCap:      10 * time.Second,
	}
}

// requestKind tags a mailbox entry so the event loop can dispatch it.
type requestKind int

const (
	reqBootstrap requestKind = iota
	reqPut
	reqGet
	reqAddPeerAddress
	reqConnectedPeers
	reqStats
	reqShutdown
)

// request is the single envelope type carried on the mailbox; each variant
// uses whichever fields it needs and replies on its own one-shot channel,
// matching §4.5's "replies are always sent on a dedicated one-shot channel".
type request struct {
	kind      requestKind
	key       []byte
	value     []byte
	peerID    peer.ID
	multiaddr ma.Multiaddr
	ctx       context.Context
	reply     chan response
}

type response struct {
	err            error
	value          []byte
	found          bool
	peers          []peer.ID
	stats          domain.NetworkStats
	degradedCopies int
}

// swarmEvent is how the actor learns that a swarm operation it dispatched
// has produced a terminal result. Events carry the query id they belong to;
// late events for ids no longer in the pending table are discarded (§4.5
// cancellation semantics).
type swarmEvent struct {
	queryID string
	value   []byte
	found   bool
	err     error
}

// pendingQuery parks an in-flight DHT operation's reply channel until a
// terminal swarmEvent for its id arrives or it times out (§4.5 "in-flight
// query table").
type pendingQuery struct {
	reply    chan response
	deadline time.Time
	kind     requestKind
}

// Actor is the single long-lived task that exclusively owns a Swarm. All
// other components talk to it only via its mailbox methods.
type Actor struct {
	cfg   Config
	swarm Swarm
	log   interface {
		Debugf(format string, args ...interface{})
		Warnf(format string, args ...interface{})
		Errorf(format string, args ...interface{})
	}

	mailbox chan request
	events  chan swarmEvent

	mu      sync.Mutex // guards pending + state + routing window; held across the swarm reads in tick and snapshotStats, never across Put/Get/Bootstrap
	pending map[string]*pendingQuery
	state   State
	window  []int // sliding sample of routing table sizes (Open Question #2)
	eventsProcessed uint64

	bootstrapPeers []peer.AddrInfo

	stopOnce sync.Once
	done     chan struct{}
}

// New constructs an actor around swarm. Call Run in its own goroutine to
// start the event loop.
func New(swarm Swarm, bootstrapPeers []peer.AddrInfo, cfg Config) *Actor {
	return &Actor{
		cfg:            cfg,
		swarm:          swarm,
		log:            logging.Entry("netactor"),
		mailbox:        make(chan request, cfg.MailboxCapacity),
		events:         make(chan swarmEvent, cfg.MailboxCapacity),
		pending:        make(map[string]*pendingQuery),
		state:          StateStarting,
		bootstrapPeers: bootstrapPeers,
		done:           make(chan struct{}),
	}
}

// Run is the event loop of §4.5: on each iteration it prefers (1) inbound
// mailbox messages, then (2) swarm events, then (3) the periodic tick. It
// returns once Shutdown has drained outstanding replies.
func (a *Actor) Run(ctx context.Context) {
	defer close(a.done)
	a.setState(StateListening)

	ticker := time.NewTicker(a.cfg.TickInterval)
	defer ticker.Stop()

	for {
		// Priority 1: mailbox, non-blocking.
		select {
		case req := <-a.mailbox:
			if a.handle(ctx, req) {
				return
			}
			continue
		default:
		}

		// Priority 2: swarm events, non-blocking.
		select {
		case ev := <-a.events:
			a.resolve(ev)
			continue
		default:
		}

		// Priority 3: block on all three sources plus outer cancellation.
		select {
		case req := <-a.mailbox:
			if a.handle(ctx, req) {
				return
			}
		case ev := <-a.events:
			a.resolve(ev)
		case <-ticker.C:
			a.tick(ctx)
		case <-ctx.Done():
			a.drain(dmerrors.ErrActorShutdown)
			a.setState(StateStopped)
			return
		}
	}
}

// send delivers a request and blocks for its reply, honouring the caller's
// context for cancellation. Cancelling here only abandons the caller's view
// of the operation (§4.5/§5) — any swarm goroutine the actor already
// dispatched keeps running and its result is discarded by resolve when it
// arrives for an id no longer pending.
func (a *Actor) send(ctx context.Context, req request) (response, error) {
	req.ctx = ctx
	req.reply = make(chan response, 1)

	select {
	case a.mailbox <- req:
	case <-ctx.Done():
		return response{}, dmerrors.Wrap(dmerrors.KindLifecycle, ctx.Err())
	case <-a.done:
		return response{}, dmerrors.ErrActorShutdown
	}

	select {
	case resp := <-req.reply:
		return resp, resp.err
	case <-ctx.Done():
		return response{}, dmerrors.Wrap(dmerrors.KindLifecycle, ctx.Err())
	case <-a.done:
		return response{}, dmerrors.ErrActorShutdown
	}
}

// handle dispatches one mailbox request. Returns true if the actor should
// stop after this iteration (Shutdown).
func (a *Actor) handle(ctx context.Context, req request) bool {
	switch req.kind {
	case reqBootstrap:
		a.handleBootstrap(ctx, req)
	case reqPut:
		a.handlePut(ctx, req)
	case reqGet:
		a.handleGet(ctx, req)
	case reqAddPeerAddress:
		a.swarm.AddAddress(req.peerID, req.multiaddr)
		req.reply <- response{}
	case reqConnectedPeers:
		req.reply <- response{peers: a.swarm.ConnectedPeers()}
	case reqStats:
		req.reply <- response{stats: a.snapshotStats()}
	case reqShutdown:
		a.drain(dmerrors.ErrActorShutdown)
		req.reply <- response{}
		a.setState(StateStopped)
		return true
	}
	return false
}

func (a *Actor) handleBootstrap(ctx context.Context, req request) {
	a.setState(StateBootstrapping)
	id := uuid.NewString()
	deadline := time.Now().Add(a.cfg.BootstrapTimeout)
	a.park(id, req.reply, deadline, reqBootstrap)

	go func() {
		bctx, cancel := context.WithTimeout(context.Background(), a.cfg.BootstrapTimeout)
		defer cancel()
		err := a.dialWithBackoff(bctx, a.bootstrapPeers)
		for err == nil && a.swarm.RoutingTableSize() == 0 {
			select {
			case <-time.After(a.cfg.TickInterval):
			case <-bctx.Done():
				err = dmerrors.ErrQueryTimeout
			}
		}
		a.events <- swarmEvent{queryID: id, err: err}
	}()
}

// dialWithBackoff retries transient dial failures with bounded exponential
// backoff internally, per §4.5/§7 ("Transient dial failures are retried
// with bounded exponential backoff internally").
func (a *Actor) dialWithBackoff(ctx context.Context, peers []peer.AddrInfo) error {
	backoff := a.cfg.DialBackoffBase
	var lastErr error
	for attempt := 0; attempt <= a.cfg.DialMaxRetries; attempt++ {
		lastErr = a.swarm.Bootstrap(ctx, peers)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > a.cfg.DialBackoffCap {
			backoff = a.cfg.DialBackoffCap
		}
	}
	if lastErr != nil {
		return dmerrors.Wrap(dmerrors.KindNetwork, fmt.Errorf("%w: %v", dmerrors.ErrDialFailed, lastErr))
	}
	return nil
}

func (a *Actor) handlePut(ctx context.Context, req request) {
	id := uuid.NewString()
	deadline := time.Now().Add(a.cfg.QueryTimeout)
	a.park(id, req.reply, deadline, reqPut)

	go func() {
		pctx, cancel := context.WithTimeout(context.Background(), a.cfg.QueryTimeout)
		defer cancel()
		err := a.swarm.PutValue(pctx, req.key, req.value)
		if err != nil && pctx.Err() == context.DeadlineExceeded {
			err = dmerrors.ErrQueryTimeout
		}
		a.events <- swarmEvent{queryID: id, err: err}
	}()
}

func (a *Actor) handleGet(ctx context.Context, req request) {
	id := uuid.NewString()
	deadline := time.Now().Add(a.cfg.QueryTimeout)
	a.park(id, req.reply, deadline, reqGet)

	go func() {
		gctx, cancel := context.WithTimeout(context.Background(), a.cfg.QueryTimeout)
		defer cancel()
		val, err := a.swarm.GetValue(gctx, req.key)
		a.events <- swarmEvent{queryID: id, value: val, found: err == nil, err: err}
	}()
}

func (a *Actor) park(id string, reply chan response, deadline time.Time, kind requestKind) {
	a.mu.Lock()
	a.pending[id] = &pendingQuery{reply: reply, deadline: deadline, kind: kind}
	a.mu.Unlock()
}

// resolve delivers a terminal swarm event to its parked reply channel and
// removes the entry from the query table. Events for unknown/expired ids
// are discarded, matching §4.5's "late events are discarded".
func (a *Actor) resolve(ev swarmEvent) {
	a.mu.Lock()
	pq, ok := a.pending[ev.queryID]
	if ok {
		delete(a.pending, ev.queryID)
	}
	a.eventsProcessed++
	a.mu.Unlock()

	if !ok {
		return
	}

	switch pq.kind {
	case reqGet:
		if ev.err != nil {
			// A get returns None only after exhausting the lookup (§4.5); it
			// does not distinguish "not yet published" from "lost".
			pq.reply <- response{found: false}
			return
		}
		pq.reply <- response{value: ev.value, found: true}
	case reqPut:
		if ev.err != nil {
			pq.reply <- response{err: dmerrors.Wrap(dmerrors.KindNetwork, ev.err)}
			return
		}
		pq.reply <- response{}
	case reqBootstrap:
		if ev.err != nil {
			pq.reply <- response{err: dmerrors.Wrap(dmerrors.KindNetwork, ev.err)}
			return
		}
		pq.reply <- response{}
	}
}

// tick drives bootstrap refresh bookkeeping and expires stalled queries,
// and samples the routing table for the Ready/Degraded promotion rule
// (§4.5, Open Question #2).
func (a *Actor) tick(ctx context.Context) {
	now := time.Now()

	a.mu.Lock()
	for id, pq := range a.pending {
		if now.After(pq.deadline) {
			delete(a.pending, id)
			pq.reply <- response{err: dmerrors.ErrQueryTimeout}
		}
	}

	size := a.swarm.RoutingTableSize()
	a.window = append(a.window, size)
	if len(a.window) > a.cfg.ReadyWindowSize {
		a.window = a.window[len(a.window)-a.cfg.ReadyWindowSize:]
	}
	aboveCount := 0
	for _, s := range a.window {
		if s >= a.cfg.ReadyThreshold {
			aboveCount++
		}
	}
	currentAbove := size > a.cfg.ReadyThreshold
	state := a.state
	a.mu.Unlock()

	if state != StateStopped && state != StateDraining {
		if currentAbove && aboveCount >= a.cfg.ReadyWindowRequired {
			a.setState(StateReady)
		} else if state == StateReady {
			a.setState(StateDegraded)
		}
	}
}

// drain replies to every still-pending query with err before the actor
// stops, so no caller is left waiting forever (§4.5 Shutdown).
func (a *Actor) drain(err error) {
	a.setState(StateDraining)
	a.mu.Lock()
	pending := a.pending
	a.pending = make(map[string]*pendingQuery)
	a.mu.Unlock()

	for _, pq := range pending {
		pq.reply <- response{err: err}
	}
	_ = a.swarm.Close()
}

func (a *Actor) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

func (a *Actor) snapshotStats() domain.NetworkStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return domain.NetworkStats{
		LocalPeerID:      a.swarm.LocalPeerID().String(),
		ConnectedPeers:   len(a.swarm.ConnectedPeers()),
		RoutingTableSize: a.swarm.RoutingTableSize(),
		InFlightQueries:  len(a.pending),
		EventsProcessed:  a.eventsProcessed,
		State:            string(a.state),
	}
}

// --- public mailbox API -----------------------------------------------

// Bootstrap dials configured bootstrap peers and starts DHT bootstrap;
// returns once at least one peer is in the routing table or the bootstrap
// timeout expires (§4.5 Bootstrap).
func (a *Actor) Bootstrap(ctx context.Context) error {
	_, err := a.send(ctx, request{kind: reqBootstrap})
	return err
}

// Put announces (key, value) to the DHT (§4.5 Put). It returns nil once the
// swarm's PutValue call succeeds, ErrQueryTimeout when the query times out,
// and otherwise the swarm's error tagged KindNetwork. It does not report
// partial replication: it never returns a *dmerrors.Degraded.
func (a *Actor) Put(ctx context.Context, key, value []byte) error {
	_, err := a.send(ctx, request{kind: reqPut, key: key, value: value})
	return err
}

// Get performs a DHT lookup, returning (value, true, nil) on a validated
// hit or (nil, false, nil) on exhaustion/timeout (§4.5 Get).
func (a *Actor) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	resp, err := a.send(ctx, request{kind: reqGet, key: key})
	if err != nil {
		return nil, false, err
	}
	return resp.value, resp.found, nil
}

// AddPeerAddress registers a dialable address for a peer (§4.5).
func (a *Actor) AddPeerAddress(ctx context.Context, peerID peer.ID, addr ma.Multiaddr) error {
	_, err := a.send(ctx, request{kind: reqAddPeerAddress, peerID: peerID, multiaddr: addr})
	return err
}

// ConnectedPeers returns the current connected peer set (§4.5).
func (a *Actor) ConnectedPeers(ctx context.Context) ([]peer.ID, error) {
	resp, err := a.send(ctx, request{kind: reqConnectedPeers})
	if err != nil {
		return nil, err
	}
	return resp.peers, nil
}

// Stats returns a network stats snapshot (§4.5, §3).
func (a *Actor) Stats(ctx context.Context) (domain.NetworkStats, error) {
	resp, err := a.send(ctx, request{kind: reqStats})
	if err != nil {
		return domain.NetworkStats{}, err
	}
	return resp.stats, nil
}

// Shutdown drains outstanding replies and stops the event loop (§4.5
// Shutdown). It is idempotent.
func (a *Actor) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		_, err = a.send(ctx, request{kind: reqShutdown})
	})
	return err
}

// State returns the actor's current lifecycle state.
func (a *Actor) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}
