package network

import (
	"bytes"
	"sort"

	"github.com/zeebo/blake3"
)

// scoredPeer pairs a peer with its rendezvous score for one key.
type scoredPeer struct {
	peer  *Peer    // peer is the candidate
	score [32]byte // score is the computed rendezvous score
}

// ClosestPeers returns up to limit connected peers ordered by rendezvous
// score for key, highest first. Every node ranks the same peer set the
// same way, so requests for a key converge on the same holders.
// A limit <= 0 returns all of them.
func (n *Node) ClosestPeers(key [32]byte, limit int) []*Peer {
	peers := n.Peers()

	scored := make([]scoredPeer, len(peers))
	for i, p := range peers {
		scored[i] = scoredPeer{peer: p, score: rendezvousScore(key, p.PublicKey())}
	}

	sort.Slice(scored, func(i, j int) bool {
		return bytes.Compare(scored[i].score[:], scored[j].score[:]) > 0
	})

	if limit > 0 && limit < len(scored) {
		scored = scored[:limit]
	}

	out := make([]*Peer, len(scored))
	for i, s := range scored {
		out[i] = s.peer
	}

	return out
}

// rendezvousScore is BLAKE3(key || peer public key).
func rendezvousScore(key [32]byte, peer []byte) [32]byte {
	h := blake3.New()
	h.Write(key[:])
	h.Write(peer)

	var result [32]byte
	h.Sum(result[:0])

	return result
}
