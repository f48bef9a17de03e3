package main

import (
	"time"

	"Keyhold/internal/keys"
	"Keyhold/internal/logger"
	"Keyhold/internal/network"
	"Keyhold/internal/transport"
)

const (
	// connectRetries bounds dial attempts to a configured peer.
	connectRetries = 5

	// connectRetryDelay separates dial attempts.
	connectRetryDelay = 2 * time.Second
)

// setupRequestHandlers answers peer block requests from the local store
// and logs peer membership changes.
func (n *Node) setupRequestHandlers() {
	n.network.OnRequest(func(peer *network.Peer, data []byte) ([]byte, error) {
		return n.dispatcher.Serve(data)
	})

	n.network.OnConnect(func(peer *network.Peer) {
		logger.Info("peer connected", "peer", peer.ID()[:16], "addr", peer.Address())
	})

	n.network.OnDisconnect(func(peer *network.Peer) {
		logger.Info("peer disconnected", "peer", peer.ID()[:16])
	})
}

// peers returns up to limit connected peers, closest to routing first.
func (n *Node) peers(routing keys.RoutingKey, limit int) []transport.Requester {
	ps := n.network.ClosestPeers(routing, limit)

	out := make([]transport.Requester, len(ps))
	for i, p := range ps {
		out[i] = p
	}

	return out
}

// connectToPeer dials a configured peer, retrying while its listener
// may not be up yet.
func (n *Node) connectToPeer(addr string) {
	for attempt := 0; attempt < connectRetries; attempt++ {
		peer, err := n.network.Connect(addr)
		if err == nil {
			logger.Info("connected to peer", "peer", peer.ID()[:16], "addr", addr)
			return
		}

		if attempt < connectRetries-1 {
			logger.Debug("retrying peer connection", "addr", addr, "attempt", attempt+1, "error", err)
			time.Sleep(connectRetryDelay)
		} else {
			logger.Warn("failed to connect to peer after retries", "addr", addr, "attempts", connectRetries)
		}
	}
}
