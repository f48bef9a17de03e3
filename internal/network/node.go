// Package network connects nodes over QUIC and carries request/response
// exchanges between them.
package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"Keyhold/internal/logger"
)

const (
	// defaultReconnectDelay is the default delay between reconnection attempts.
	defaultReconnectDelay = 5 * time.Second

	// maxReconnectDelay is the maximum delay between reconnection attempts.
	maxReconnectDelay = 60 * time.Second

	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "keyhold/1"
)

// RequestHandler answers a request from a peer.
type RequestHandler func(p *Peer, request []byte) ([]byte, error)

// Config holds the configuration for a Node.
type Config struct {
	PrivateKey     ed25519.PrivateKey // PrivateKey is the node's identity key
	ListenAddr     string             // ListenAddr is the address to listen on (e.g., ":9000")
	ReconnectDelay time.Duration      // ReconnectDelay is the initial delay between reconnection attempts
}

// Node accepts and initiates peer connections.
type Node struct {
	privateKey ed25519.PrivateKey // privateKey is the node's identity key
	publicKey  ed25519.PublicKey  // publicKey is the node's public identity
	listenAddr string             // listenAddr is the address to listen on
	tlsConfig  *tls.Config        // tlsConfig is the TLS configuration
	quicConfig *quic.Config       // quicConfig is the QUIC configuration

	listener *quic.Listener // listener is the QUIC listener

	peers   map[string]*Peer // peers maps identity hex to peer
	peersMu sync.RWMutex     // peersMu protects peers

	knownAddrs   map[string]string // knownAddrs maps identity hex to dial address
	knownAddrsMu sync.RWMutex      // knownAddrsMu protects knownAddrs

	reconnectDelay time.Duration // reconnectDelay is the initial reconnection delay

	onConnect    func(*Peer)    // onConnect is called when a peer connects
	onDisconnect func(*Peer)    // onDisconnect is called when a peer disconnects
	onRequest    RequestHandler // onRequest answers incoming requests
	handlersMu   sync.RWMutex   // handlersMu protects the handlers

	ctx    context.Context    // ctx is cancelled on Close
	cancel context.CancelFunc // cancel cancels ctx
	wg     sync.WaitGroup     // wg waits for goroutines to finish
}

// NewNode creates a node. Start must be called before peers can connect.
func NewNode(cfg Config) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, errors.New("private key is required")
	}

	if cfg.ListenAddr == "" {
		return nil, errors.New("listen address is required")
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay == 0 {
		reconnectDelay = defaultReconnectDelay
	}

	cert, err := selfSignedCert(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate:\n%w", err)
	}

	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true, // identity is the certificate key, checked in setupPeer
		NextProtos:         []string{alpnProtocol},
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		privateKey:     cfg.PrivateKey,
		publicKey:      cfg.PrivateKey.Public().(ed25519.PublicKey),
		listenAddr:     cfg.ListenAddr,
		tlsConfig:      tlsConfig,
		quicConfig:     quicConfig,
		peers:          make(map[string]*Peer),
		knownAddrs:     make(map[string]string),
		reconnectDelay: reconnectDelay,
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// PublicKey returns the node's public identity.
func (n *Node) PublicKey() ed25519.PublicKey {
	return n.publicKey
}

// ID returns the node identity as hex.
func (n *Node) ID() string {
	return hex.EncodeToString(n.publicKey)
}

// Addr returns the listener's address, or "" if not started.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// Start begins accepting connections.
func (n *Node) Start() error {
	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen:\n%w", err)
	}

	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()

	return nil
}

// Connect dials a remote node.
func (n *Node) Connect(addr string) (*Peer, error) {
	conn, err := quic.DialAddr(n.ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s:\n%w", addr, err)
	}

	peer, err := n.setupPeer(conn, addr)
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return nil, err
	}

	return peer, nil
}

// Peers returns the connected peers.
func (n *Node) Peers() []*Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}

	return peers
}

// PeerCount returns the number of connected peers.
func (n *Node) PeerCount() int {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	return len(n.peers)
}

// GetPeer returns the peer with the given identity, or nil if not connected.
func (n *Node) GetPeer(pub ed25519.PublicKey) *Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	return n.peers[hex.EncodeToString(pub)]
}

// OnConnect sets the handler called when a peer connects.
func (n *Node) OnConnect(fn func(*Peer)) {
	n.handlersMu.Lock()
	n.onConnect = fn
	n.handlersMu.Unlock()
}

// OnDisconnect sets the handler called when a peer disconnects.
func (n *Node) OnDisconnect(fn func(*Peer)) {
	n.handlersMu.Lock()
	n.onDisconnect = fn
	n.handlersMu.Unlock()
}

// OnRequest sets the handler for incoming requests.
func (n *Node) OnRequest(fn RequestHandler) {
	n.handlersMu.Lock()
	n.onRequest = fn
	n.handlersMu.Unlock()
}

// Close stops the node and closes all connections.
func (n *Node) Close() error {
	n.cancel()

	if n.listener != nil {
		n.listener.Close()
	}

	n.peersMu.Lock()
	for _, p := range n.peers {
		p.Close()
	}
	n.peers = make(map[string]*Peer)
	n.peersMu.Unlock()

	n.wg.Wait()

	return nil
}

// acceptLoop accepts incoming connections until the listener closes.
func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return
		}

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.handleIncoming(conn)
		}()
	}
}

// handleIncoming registers an inbound connection.
func (n *Node) handleIncoming(conn *quic.Conn) {
	peer, err := n.setupPeer(conn, "")
	if err != nil {
		logger.Debug("rejected inbound peer", "remote", conn.RemoteAddr(), "error", err)
		conn.CloseWithError(1, "setup failed")
		return
	}

	n.callOnConnect(peer)
}

// setupPeer authenticates conn and starts serving its streams.
// dialAddr is empty for inbound connections, which are not redialed.
func (n *Node) setupPeer(conn *quic.Conn, dialAddr string) (*Peer, error) {
	pub, err := peerIdentity(conn.ConnectionState().TLS)
	if err != nil {
		return nil, fmt.Errorf("peer identity:\n%w", err)
	}

	id := hex.EncodeToString(pub)
	peer := &Peer{
		publicKey: pub,
		address:   conn.RemoteAddr().String(),
		conn:      conn,
		node:      n,
	}

	n.peersMu.Lock()
	if old, ok := n.peers[id]; ok {
		old.Close()
	}
	n.peers[id] = peer
	n.peersMu.Unlock()

	if dialAddr != "" {
		n.knownAddrsMu.Lock()
		n.knownAddrs[id] = dialAddr
		n.knownAddrsMu.Unlock()
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		peer.serveLoop(n.ctx)
	}()

	return peer, nil
}

// handlePeerDisconnect drops p and schedules a redial if it was dialed.
func (n *Node) handlePeerDisconnect(p *Peer) {
	id := p.ID()

	n.peersMu.Lock()
	if n.peers[id] == p {
		delete(n.peers, id)
	}
	n.peersMu.Unlock()

	n.callOnDisconnect(p)

	if n.ctx.Err() != nil {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.reconnectPeer(id)
	}()
}

// reconnectPeer redials a known peer with exponential backoff.
func (n *Node) reconnectPeer(id string) {
	delay := n.reconnectDelay

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-time.After(delay):
		}

		n.knownAddrsMu.RLock()
		addr, ok := n.knownAddrs[id]
		n.knownAddrsMu.RUnlock()

		if !ok {
			return
		}

		n.peersMu.RLock()
		_, exists := n.peers[id]
		n.peersMu.RUnlock()

		if exists {
			return
		}

		peer, err := n.Connect(addr)
		if err == nil {
			n.callOnConnect(peer)
			return
		}

		logger.Debug("reconnect failed", "addr", addr, "retry_in", delay*2)

		delay = min(delay*2, maxReconnectDelay)
	}
}

// callOnConnect calls the onConnect handler if set.
func (n *Node) callOnConnect(p *Peer) {
	n.handlersMu.RLock()
	fn := n.onConnect
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p)
	}
}

// callOnDisconnect calls the onDisconnect handler if set.
func (n *Node) callOnDisconnect(p *Peer) {
	n.handlersMu.RLock()
	fn := n.onDisconnect
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p)
	}
}

// callOnRequest calls the onRequest handler if set.
func (n *Node) callOnRequest(p *Peer, data []byte) ([]byte, error) {
	n.handlersMu.RLock()
	fn := n.onRequest
	n.handlersMu.RUnlock()

	if fn == nil {
		return nil, errors.New("no request handler registered")
	}

	return fn(p, data)
}
