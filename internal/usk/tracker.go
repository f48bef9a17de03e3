// Package usk tracks the latest known edition of updatable subspace keys.
package usk

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"Keyhold/internal/keys"
	"Keyhold/internal/logger"
	"Keyhold/internal/storage"
)

// editionPrefix namespaces persisted editions in the key-value store.
var editionPrefix = []byte("u/")

// Source records how an edition became known.
type Source uint8

const (
	// SourceNetwork means a fetch of the edition succeeded from a peer.
	SourceNetwork Source = iota + 1

	// SourceStore means the edition was found in the local store.
	SourceStore

	// SourceClaim means the owner signed a claim for the edition.
	SourceClaim
)

// String returns the source name.
func (s Source) String() string {
	switch s {
	case SourceNetwork:
		return "network"
	case SourceStore:
		return "store"
	case SourceClaim:
		return "claim"
	default:
		return "unknown"
	}
}

// Edition is the latest known edition of one series.
type Edition struct {
	_         struct{} `cbor:",toarray"`
	PublicKey []byte   // PublicKey is the owner's key
	Site      string   // Site is the series name
	Edition   int64    // Edition is the highest edition seen
	Source    Source   // Source is how Edition became known
	Updated   int64    // Updated is the unix time of the last advance
	Claim     *Claim   // Claim is the signed claim, if Source is SourceClaim
}

// series identifies one (owner, site) pair.
type series struct {
	owner [keys.PublicKeySize]byte
	site  string
}

// Tracker remembers the newest edition seen per series. Updates only move
// forward. A nil store keeps state in memory only.
type Tracker struct {
	db     *storage.Storage
	verify keys.Verifier
	now    func() time.Time

	mu     sync.RWMutex
	latest map[series]Edition
	onNew  []func(Edition)
}

// New creates a tracker and loads persisted editions from db.
func New(db *storage.Storage) (*Tracker, error) {
	t := &Tracker{
		db:     db,
		verify: keys.Verify,
		now:    time.Now,
		latest: make(map[series]Edition),
	}

	if db == nil {
		return t, nil
	}

	err := db.IteratePrefix(editionPrefix, func(_, value []byte) error {
		var e Edition
		if err := cbor.Unmarshal(value, &e); err != nil {
			return fmt.Errorf("decode edition:\n%w", err)
		}

		s, ok := seriesOf(e.PublicKey, e.Site)
		if !ok {
			return fmt.Errorf("stored edition has bad public key for %q", e.Site)
		}
		t.latest[s] = e

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load editions:\n%w", err)
	}

	logger.Debug("loaded updatable key editions", "count", len(t.latest))

	return t, nil
}

// OnAdvance registers fn to be called after a series moves to a newer edition.
// Must be called before the tracker is shared.
func (t *Tracker) OnAdvance(fn func(Edition)) {
	t.onNew = append(t.onNew, fn)
}

// Observe records a successfully fetched updatable key. It matches the
// fetch.Hooks Observe signature.
func (t *Tracker) Observe(key keys.ClientKey, fromStore, isMetadata bool) {
	if !key.IsUpdatable() {
		return
	}

	src := SourceNetwork
	if fromStore {
		src = SourceStore
	}

	if _, err := t.advance(key.PublicKey(), key.Site(), key.Edition(), src, nil); err != nil {
		logger.Warn("record edition", "site", key.Site(), "edition", key.Edition(), "error", err)
	}
}

// AcceptClaim verifies c and records it. It reports whether the claim
// advanced its series.
func (t *Tracker) AcceptClaim(c Claim) (bool, error) {
	if err := c.Validate(t.verify); err != nil {
		return false, err
	}

	return t.advance(c.PublicKey, c.Site, c.Edition, SourceClaim, &c)
}

// Latest returns the newest known edition of (publicKey, site).
func (t *Tracker) Latest(publicKey []byte, site string) (Edition, bool) {
	s, ok := seriesOf(publicKey, site)
	if !ok {
		return Edition{}, false
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.latest[s]
	return e, ok
}

// LatestKey returns key moved to the newest known edition of its series,
// or key unchanged if nothing newer is known.
func (t *Tracker) LatestKey(key keys.ClientKey) keys.ClientKey {
	if !key.IsUpdatable() {
		return key
	}

	e, ok := t.Latest(key.PublicKey(), key.Site())
	if !ok || e.Edition <= key.Edition() {
		return key
	}

	return key.WithEdition(e.Edition)
}

// Count returns the number of tracked series.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.latest)
}

// advance moves a series forward to edition if it is newer.
func (t *Tracker) advance(publicKey []byte, site string, edition int64, src Source, c *Claim) (bool, error) {
	s, ok := seriesOf(publicKey, site)
	if !ok {
		return false, fmt.Errorf("%w: public key size %d", ErrInvalidClaim, len(publicKey))
	}

	t.mu.Lock()
	cur, exists := t.latest[s]
	if exists && cur.Edition >= edition {
		t.mu.Unlock()
		return false, nil
	}

	e := Edition{
		PublicKey: append([]byte(nil), publicKey...),
		Site:      site,
		Edition:   edition,
		Source:    src,
		Updated:   t.now().Unix(),
		Claim:     c,
	}

	if err := t.persist(s, e); err != nil {
		t.mu.Unlock()
		return false, err
	}
	t.latest[s] = e
	t.mu.Unlock()

	logger.Debug("edition advanced", "site", site, "edition", edition, "source", src)

	for _, fn := range t.onNew {
		fn(e)
	}

	return true, nil
}

// persist writes e under its series key.
// Must be called with mu held.
func (t *Tracker) persist(s series, e Edition) error {
	if t.db == nil {
		return nil
	}

	data, err := cbor.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode edition:\n%w", err)
	}

	if err := t.db.Set(storageKey(s), data); err != nil {
		return fmt.Errorf("store edition:\n%w", err)
	}

	return nil
}

// seriesOf builds the map key for (publicKey, site).
func seriesOf(publicKey []byte, site string) (series, bool) {
	var s series
	if len(publicKey) != keys.PublicKeySize {
		return s, false
	}

	copy(s.owner[:], publicKey)
	s.site = site

	return s, true
}

// storageKey returns the key-value store key of a series.
func storageKey(s series) []byte {
	id := keys.Digest(s.owner[:], []byte(s.site))

	k := make([]byte, 0, len(editionPrefix)+2*len(id))
	k = append(k, editionPrefix...)
	k = hex.AppendEncode(k, id)

	return k
}
