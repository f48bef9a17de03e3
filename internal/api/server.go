package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"

	"Keyhold/internal/block"
	"Keyhold/internal/fetch"
	"Keyhold/internal/fetcherr"
	"Keyhold/internal/keys"
	"Keyhold/internal/logger"
	"Keyhold/internal/usk"
)

const (
	// maxInsertSize is the largest accepted insert body.
	maxInsertSize = 1 << 20 // 1 MB

	// maxClaimSize is the largest accepted edition claim.
	maxClaimSize = 4 << 10

	// Response headers describing a fetched block.
	HeaderMetadata  = "X-Keyhold-Metadata"
	HeaderFromStore = "X-Keyhold-From-Store"
	HeaderKey       = "X-Keyhold-Key"
)

// FetchOptions tunes one API fetch. Zero values use the node defaults.
type FetchOptions struct {
	MaxOutputSize int64
	MaxRetries    *int
	LocalOnly     bool
	AllowMetadata bool
}

// Fetcher performs blocking single-block fetches.
type Fetcher interface {
	Fetch(ctx context.Context, key keys.ClientKey, opts FetchOptions) (*fetch.Result, error)
}

// Inserter stores new blocks.
type Inserter interface {
	InsertCHK(data []byte, opts block.Options) (keys.ClientKey, error)
	InsertSSK(doc string, edition int64, data []byte, opts block.Options) (keys.ClientKey, error)
}

// Editions exposes the updatable-key tracker.
type Editions interface {
	Latest(publicKey []byte, site string) (usk.Edition, bool)
	LatestKey(key keys.ClientKey) keys.ClientKey
	AcceptClaim(c usk.Claim) (bool, error)
}

// Status is the node state reported by GET /status.
type Status struct {
	Node           string `json:"node"`
	Owner          string `json:"owner"`
	Blocks         int    `json:"blocks"`
	Peers          int    `json:"peers"`
	PendingLookups int    `json:"pendingLookups"`
	RecentlyFailed int    `json:"recentlyFailed"`
	Editions       int    `json:"editions"`
	CapturedBlocks int64  `json:"capturedBlocks"`
	CaptureDropped int64  `json:"captureDropped"`
}

// StatusProvider exposes node state for monitoring.
type StatusProvider interface {
	Status() Status
}

// Server is the HTTP API server.
type Server struct {
	addr     string         // addr is the HTTP listen address
	fetcher  Fetcher        // fetcher resolves keys
	inserter Inserter       // inserter stores new blocks
	editions Editions       // editions tracks updatable keys
	status   StatusProvider // status provides node state for monitoring
	metrics  http.Handler   // metrics serves the Prometheus exposition
	timeout  time.Duration  // timeout bounds one fetch
	server   *http.Server   // server is the underlying HTTP server
	listener net.Listener   // listener is bound by Start
}

// New creates a new HTTP API server. status and metrics may be nil.
func New(addr string, fetcher Fetcher, inserter Inserter, editions Editions, status StatusProvider, metrics http.Handler, timeout time.Duration) *Server {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Server{
		addr:     addr,
		fetcher:  fetcher,
		inserter: inserter,
		editions: editions,
		status:   status,
		metrics:  metrics,
		timeout:  timeout,
	}
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /insert", s.handleInsertCHK)
	mux.HandleFunc("POST /insert/ssk/{doc}", s.handleInsertSSK)
	mux.HandleFunc("GET /fetch/{key...}", s.handleFetch)
	mux.HandleFunc("GET /usk/{pubkey}/{site}", s.handleLatestEdition)
	mux.HandleFunc("POST /usk/claims", s.handleClaim)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return mux
}

// Start binds the listen address and serves in a goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s:\n%w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: s.timeout + 10*time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", ln.Addr().String())

		if err := s.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}

	return s.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleInsertCHK handles POST /insert requests.
func (s *Server) handleInsertCHK(w http.ResponseWriter, r *http.Request) {
	data, opts, ok := readInsert(w, r)
	if !ok {
		return
	}

	key, err := s.inserter.InsertCHK(data, opts)
	if err != nil {
		writeInsertError(w, err)
		return
	}

	logger.Debug("chk inserted", "key", key.RoutingKey().Short(), "size", len(data))

	writeJSON(w, http.StatusCreated, map[string]string{"key": key.String()})
}

// handleInsertSSK handles POST /insert/ssk/{doc} requests.
func (s *Server) handleInsertSSK(w http.ResponseWriter, r *http.Request) {
	doc := r.PathValue("doc")

	edition := int64(-1)
	if v := r.URL.Query().Get("edition"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid edition")
			return
		}
		edition = n
	}

	data, opts, ok := readInsert(w, r)
	if !ok {
		return
	}

	key, err := s.inserter.InsertSSK(doc, edition, data, opts)
	if err != nil {
		writeInsertError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"key":     key.String(),
		"edition": key.Edition(),
	})
}

// handleFetch handles GET /fetch/{key...} requests.
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	key, err := keys.Parse(r.PathValue("key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	opts, err := parseFetchOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if r.URL.Query().Get("latest") == "1" && s.editions != nil {
		key = s.editions.LatestKey(key)
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	start := time.Now()
	res, err := s.fetcher.Fetch(ctx, key, opts)
	if err != nil {
		mode := fetcherr.ModeOf(err)
		logger.Debug("api fetch failed", "key", key.RoutingKey().Short(), "mode", mode, logger.Timed(start))
		writeJSON(w, statusForMode(mode), map[string]string{
			"error": err.Error(),
			"mode":  mode.String(),
		})
		return
	}
	defer res.Free()

	body, err := res.Data.Reader()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read result")
		return
	}
	defer body.Close()

	contentType := res.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(res.Data.Size(), 10))
	w.Header().Set(HeaderMetadata, strconv.FormatBool(res.IsMetadata))
	w.Header().Set(HeaderFromStore, strconv.FormatBool(res.FromStore))
	w.Header().Set(HeaderKey, key.String())
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, body); err != nil {
		logger.Debug("write fetch response", "error", err)
	}
}

// handleLatestEdition handles GET /usk/{pubkey}/{site} requests.
func (s *Server) handleLatestEdition(w http.ResponseWriter, r *http.Request) {
	pub := base58.Decode(r.PathValue("pubkey"))
	if len(pub) != keys.PublicKeySize {
		writeError(w, http.StatusBadRequest, "invalid public key")
		return
	}

	e, ok := s.editions.Latest(pub, r.PathValue("site"))
	if !ok {
		writeError(w, http.StatusNotFound, "no known edition")
		return
	}

	resp := map[string]any{
		"site":    e.Site,
		"edition": e.Edition,
		"source":  e.Source.String(),
		"updated": e.Updated,
	}

	if e.Claim != nil {
		if raw, err := e.Claim.Marshal(); err == nil {
			resp["claim"] = hex.EncodeToString(raw)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleClaim handles POST /usk/claims requests. The body is a CBOR claim.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxClaimSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	claim, err := usk.UnmarshalClaim(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	advanced, err := s.editions.AcceptClaim(claim)
	switch {
	case errors.Is(err, usk.ErrBadSignature):
		writeError(w, http.StatusForbidden, err.Error())
		return
	case errors.Is(err, usk.ErrInvalidClaim):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		logger.Error("accept claim", "error", err)
		writeError(w, http.StatusInternalServerError, "store claim")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"advanced": advanced})
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "status not available")
		return
	}

	writeJSON(w, http.StatusOK, s.status.Status())
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
