// Package netactor implements the DHT/network actor of §4.5: the hardest
// subsystem in the core. Every other component reaches the Swarm below only
// through the typed mailbox methods exposed by Actor, and the event loop in
// actor.go is the only reader of the mailbox. The loop does not call every
// Swarm method itself: it runs Bootstrap, PutValue and GetValue on a
// goroutine per request, so those calls run concurrently with each other
// and with the loop's own Swarm reads.
package netactor

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p-kad-dht/dual"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/record"
	ma "github.com/multiformats/go-multiaddr"
)

// dhtKeyPrefix namespaces every record DataMesh puts into the DHT so a
// shared routing table can coexist with other libp2p applications that
// register their own record.Validator for a different prefix.
const dhtKeyPrefix = "/dm/"

// Swarm is the minimal surface the actor drives. A production Swarm wraps a
// real libp2p host + DHT; tests implement a fake in-memory Swarm instead so
// the actor's scheduling logic can be exercised without a live network.
type Swarm interface {
	Bootstrap(ctx context.Context, peers []peer.AddrInfo) error
	PutValue(ctx context.Context, key []byte, value []byte) error
	GetValue(ctx context.Context, key []byte) ([]byte, error)
	AddAddress(peerID peer.ID, addr ma.Multiaddr)
	Connect(ctx context.Context, pi peer.AddrInfo) error
	ConnectedPeers() []peer.ID
	RoutingTableSize() int
	LocalPeerID() peer.ID
	Close() error
}

// shardValidator accepts any well-formed record (shards and manifests are
// both opaque byte blobs identified by content-addressed keys, so validity
// is "parses as non-empty bytes") and selects the first value on conflict —
// DataMesh records are content-addressed, so legitimate conflicting values
// under the same key should not occur; Select exists only to satisfy the
// record.Validator interface.
type shardValidator struct{}

func (shardValidator) Validate(key string, value []byte) error {
	if len(value) == 0 {
		return fmt.Errorf("empty record value for key %s", key)
	}
	return nil
}

func (shardValidator) Select(key string, values [][]byte) (int, error) {
	return 0, nil
}

// libp2pSwarm is the production Swarm backed by a real host and Kademlia
// DHT.
type libp2pSwarm struct {
	host host.Host
	dht  *dual.DHT
}

// NewLibp2pSwarm starts a libp2p host listening on listenPort (0 = ephemeral,
// §6) and attaches a dual (LAN+WAN) Kademlia DHT client in server mode.
func NewLibp2pSwarm(ctx context.Context, listenPort int) (Swarm, error) {
	h, err := libp2p.New(
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort)),
	)
	if err != nil {
		return nil, fmt.Errorf("starting libp2p host: %w", err)
	}

	validator := record.NamespacedValidator{
		"dm": shardValidator{},
	}

	d, err := dual.New(ctx, h,
		dual.DHTOption(dht.Mode(dht.ModeServer)),
		dual.DHTOption(dht.Validator(validator)),
	)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("starting kademlia dht: %w", err)
	}

	return &libp2pSwarm{host: h, dht: d}, nil
}

func (s *libp2pSwarm) Bootstrap(ctx context.Context, peers []peer.AddrInfo) error {
	var lastErr error
	connected := 0
	for _, pi := range peers {
		s.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.PermanentAddrTTL)
		if err := s.host.Connect(ctx, pi); err != nil {
			// Transient dial failures are retried by the caller (the actor's
			// dialWithBackoff) when every peer fails; record-and-continue here
			// so one bad bootstrap peer does not block the others.
			lastErr = err
			continue
		}
		connected++
	}
	if len(peers) > 0 && connected == 0 {
		return fmt.Errorf("dialing bootstrap peers: %w", lastErr)
	}
	return s.dht.Bootstrap(ctx)
}

func dhtKey(key []byte) string {
	return dhtKeyPrefix + hex.EncodeToString(key)
}

func (s *libp2pSwarm) PutValue(ctx context.Context, key []byte, value []byte) error {
	return s.dht.PutValue(ctx, dhtKey(key), value)
}

func (s *libp2pSwarm) GetValue(ctx context.Context, key []byte) ([]byte, error) {
	return s.dht.GetValue(ctx, dhtKey(key))
}

func (s *libp2pSwarm) AddAddress(peerID peer.ID, addr ma.Multiaddr) {
	s.host.Peerstore().AddAddr(peerID, addr, peerstore.PermanentAddrTTL)
}

func (s *libp2pSwarm) Connect(ctx context.Context, pi peer.AddrInfo) error {
	return s.host.Connect(ctx, pi)
}

func (s *libp2pSwarm) ConnectedPeers() []peer.ID {
	return s.host.Network().Peers()
}

func (s *libp2pSwarm) RoutingTableSize() int {
	return s.dht.WAN.RoutingTable().Size() + s.dht.LAN.RoutingTable().Size()
}

func (s *libp2pSwarm) LocalPeerID() peer.ID {
	return s.host.ID()
}

func (s *libp2pSwarm) Close() error {
	derr := s.dht.Close()
	herr := s.host.Close()
	if derr != nil {
		return derr
	}
	return herr
}
