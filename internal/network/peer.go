package network

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"Keyhold/internal/logger"
)

const (
	// defaultRequestTimeout bounds a request whose context has no deadline.
	defaultRequestTimeout = 30 * time.Second
)

// ErrPeerClosed is returned when using a closed peer.
var ErrPeerClosed = errors.New("peer is closed")

// Peer is a connection to a remote node.
type Peer struct {
	publicKey ed25519.PublicKey // publicKey is the remote identity
	address   string            // address is the remote address
	conn      *quic.Conn        // conn is the underlying QUIC connection
	node      *Node             // node is the owning node
	closed    atomic.Bool       // closed is set once the peer is closed
}

// PublicKey returns the remote identity.
func (p *Peer) PublicKey() ed25519.PublicKey {
	return p.publicKey
}

// ID returns the remote identity as hex.
func (p *Peer) ID() string {
	return hex.EncodeToString(p.publicKey)
}

// Address returns the remote address.
func (p *Peer) Address() string {
	return p.address
}

// Request sends data on a new bidirectional stream and waits for the reply.
func (p *Peer) Request(ctx context.Context, data []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, ErrPeerClosed
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream:\n%w", err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultRequestTimeout)
	}
	stream.SetDeadline(deadline)

	if err := writeFrame(stream, data); err != nil {
		stream.CancelRead(0)
		return nil, fmt.Errorf("write request:\n%w", err)
	}

	response, err := readFrame(stream)
	if err != nil {
		return nil, fmt.Errorf("read response:\n%w", err)
	}

	return response, nil
}

// Close closes the connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	return p.conn.CloseWithError(0, "closed")
}

// serveLoop answers incoming streams until the connection ends.
func (p *Peer) serveLoop(ctx context.Context) {
	served := 0

	for {
		stream, err := p.conn.AcceptStream(ctx)
		if err != nil {
			logger.Debug("peer stream loop ended", "peer", p.address, "served", served, "error", err)
			break
		}

		served++
		go p.handleStream(stream)
	}

	p.handleDisconnect()
}

// handleStream answers one request.
func (p *Peer) handleStream(stream *quic.Stream) {
	defer stream.Close()

	request, err := readFrame(stream)
	if err != nil {
		logger.Debug("read request failed", "peer", p.address, "error", err)
		return
	}

	response, err := p.node.callOnRequest(p, request)
	if err != nil {
		logger.Debug("request handler failed", "peer", p.address, "error", err)
		stream.CancelWrite(1)
		return
	}

	if err := writeFrame(stream, response); err != nil {
		logger.Debug("write response failed", "peer", p.address, "error", err)
	}
}

// handleDisconnect reports the end of the connection once.
func (p *Peer) handleDisconnect() {
	wasClosed := p.closed.Swap(true)
	if !wasClosed {
		p.conn.CloseWithError(0, "stream loop ended")
	}

	p.node.handlePeerDisconnect(p)
}
