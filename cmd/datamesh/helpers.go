package main

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/ioustamora/datamesh/internal/config"
	"github.com/ioustamora/datamesh/internal/netactor"
)

// rootCtx is the process-lifetime context the network actor and swarm run
// under; cancelled only on process exit, matching the teacher's pattern of
// a single background context.Background() threaded through initConfig.
var rootCtx, rootCtxCancel = context.WithCancel(context.Background())

func rootCmdContext() context.Context { return rootCtx }

func secondsToDuration(secs int) time.Duration {
	return time.Duration(secs) * time.Second
}

// resolveBootstrapPeers parses configured "peer_id@multiaddr" entries into
// peer.AddrInfo and registers their addresses with the swarm, skipping any
// entry that fails to parse rather than aborting startup (§4.5/§6).
func resolveBootstrapPeers(swarm netactor.Swarm, peers []config.BootstrapPeer) []peer.AddrInfo {
	out := make([]peer.AddrInfo, 0, len(peers))
	for _, p := range peers {
		pid, err := peer.Decode(p.PeerID)
		if err != nil {
			log.Warnf("skipping bootstrap peer with malformed id %q: %v", p.PeerID, err)
			continue
		}
		addr, err := ma.NewMultiaddr(p.Multiaddr)
		if err != nil {
			log.Warnf("skipping bootstrap peer with malformed multiaddr %q: %v", p.Multiaddr, err)
			continue
		}
		swarm.AddAddress(pid, addr)
		out = append(out, peer.AddrInfo{ID: pid, Addrs: []ma.Multiaddr{addr}})
	}
	return out
}
