package client

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/btcsuite/btcd/btcutil/base58"

	"Keyhold/internal/api"
	"Keyhold/internal/block"
	"Keyhold/internal/keys"
	"Keyhold/internal/usk"
)

// Client connects to a Keyhold node via HTTP.
type Client struct {
	nodeAddr string       // nodeAddr is the HTTP address (e.g. "127.0.0.1:8080")
	owner    []byte       // owner is the node's subspace public key
	http     *http.Client // http performs the requests
}

// InsertOptions controls how an inserted payload is packed.
type InsertOptions struct {
	Codec       block.Codec // Codec compresses the payload
	Metadata    bool        // Metadata marks the payload as metadata
	ContentType string      // ContentType is stored as the MIME hint
}

// FetchOptions tunes one fetch. Zero values use the node defaults.
type FetchOptions struct {
	MaxSize       int64 // MaxSize caps the decoded size
	MaxRetries    *int  // MaxRetries overrides the retry ceiling, -1 is unlimited
	LocalOnly     bool  // LocalOnly never asks peers
	AllowMetadata bool  // AllowMetadata accepts metadata blocks
	Latest        bool  // Latest resolves updatable keys to the newest known edition
}

// Fetched is the decoded content of a block.
type Fetched struct {
	Key         keys.ClientKey // Key is the key that was actually fetched
	Data        []byte         // Data is the plaintext
	ContentType string         // ContentType is the stored MIME hint
	IsMetadata  bool           // IsMetadata is true for metadata blocks
	FromStore   bool           // FromStore is true if the node had the block locally
}

// EditionInfo describes the newest known edition of an updatable site.
type EditionInfo struct {
	Site    string     // Site is the site name
	Edition int64      // Edition is the newest known edition
	Source  string     // Source says how the edition was learned
	Updated int64      // Updated is the unix time the edition was recorded
	Claim   *usk.Claim // Claim is the signed proof, if one is known
}

// NewClient creates a client connected to a node.
// It fetches the node's owner key from the /status endpoint.
func NewClient(nodeAddr string) (*Client, error) {
	c := &Client{nodeAddr: nodeAddr, http: http.DefaultClient}

	status, err := c.Status()
	if err != nil {
		return nil, fmt.Errorf("get status:\n%w", err)
	}

	c.owner = base58.Decode(status.Owner)
	if len(c.owner) != keys.PublicKeySize {
		return nil, fmt.Errorf("invalid owner key: %q", status.Owner)
	}

	return c, nil
}

// Owner returns the node's subspace public key.
func (c *Client) Owner() []byte {
	return c.owner
}

// Status returns the node's status report.
func (c *Client) Status() (*api.Status, error) {
	var status api.Status
	if err := c.getJSON(c.url("/status", nil), &status); err != nil {
		return nil, err
	}

	return &status, nil
}

// Health reports whether the node answers its health check.
func (c *Client) Health() error {
	var resp struct {
		Status string `json:"status"`
	}

	if err := c.getJSON(c.url("/health", nil), &resp); err != nil {
		return err
	}

	if resp.Status != "ok" {
		return fmt.Errorf("node unhealthy: %q", resp.Status)
	}

	return nil
}

// InsertCHK stores data as a content-hash keyed block.
func (c *Client) InsertCHK(data []byte, opts InsertOptions) (keys.ClientKey, error) {
	return c.insert(c.url("/insert", opts.query()), data, opts)
}

// InsertSSK stores data in the node owner's subspace. A negative edition
// inserts a plain signed document, otherwise it becomes that edition of
// an updatable site.
func (c *Client) InsertSSK(doc string, edition int64, data []byte, opts InsertOptions) (keys.ClientKey, error) {
	q := opts.query()
	if edition >= 0 {
		q.Set("edition", strconv.FormatInt(edition, 10))
	}

	return c.insert(c.url("/insert/ssk/"+url.PathEscape(doc), q), data, opts)
}

// insert posts a payload and parses the returned key.
func (c *Client) insert(target string, data []byte, opts InsertOptions) (keys.ClientKey, error) {
	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var resp struct {
		Key string `json:"key"`
	}

	if err := c.postJSON(target, contentType, data, &resp); err != nil {
		return keys.ClientKey{}, fmt.Errorf("insert:\n%w", err)
	}

	key, err := keys.Parse(resp.Key)
	if err != nil {
		return keys.ClientKey{}, fmt.Errorf("parse inserted key %q:\n%w", resp.Key, err)
	}

	return key, nil
}

// Fetch retrieves and decodes one block. Failures reported by the node
// are returned as *fetcherr.Error values carrying the node's mode.
func (c *Client) Fetch(key keys.ClientKey, opts FetchOptions) (*Fetched, error) {
	resp, err := c.http.Get(c.url("/fetch/"+key.String(), opts.query()))
	if err != nil {
		return nil, fmt.Errorf("GET fetch:\n%w", err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}

	data, err := readBody(resp)
	if err != nil {
		return nil, fmt.Errorf("read fetched data:\n%w", err)
	}

	out := &Fetched{
		Key:         key,
		Data:        data,
		ContentType: resp.Header.Get("Content-Type"),
		IsMetadata:  resp.Header.Get(api.HeaderMetadata) == "true",
		FromStore:   resp.Header.Get(api.HeaderFromStore) == "true",
	}

	if resolved, err := keys.Parse(resp.Header.Get(api.HeaderKey)); err == nil {
		out.Key = resolved
	}

	return out, nil
}

// LatestEdition returns the newest edition the node knows for a site.
func (c *Client) LatestEdition(publicKey []byte, site string) (*EditionInfo, error) {
	var resp struct {
		Site    string `json:"site"`
		Edition int64  `json:"edition"`
		Source  string `json:"source"`
		Updated int64  `json:"updated"`
		Claim   string `json:"claim"`
	}

	path := "/usk/" + base58.Encode(publicKey) + "/" + url.PathEscape(site)
	if err := c.getJSON(c.url(path, nil), &resp); err != nil {
		return nil, fmt.Errorf("latest edition:\n%w", err)
	}

	info := &EditionInfo{Site: resp.Site, Edition: resp.Edition, Source: resp.Source, Updated: resp.Updated}
	if resp.Claim == "" {
		return info, nil
	}

	raw, err := hex.DecodeString(resp.Claim)
	if err != nil {
		return nil, fmt.Errorf("invalid claim hex:\n%w", err)
	}

	claim, err := usk.UnmarshalClaim(raw)
	if err != nil {
		return nil, fmt.Errorf("decode claim:\n%w", err)
	}
	info.Claim = &claim

	return info, nil
}

// SubmitClaim hands a signed edition claim to the node and reports
// whether it advanced the node's view of the site.
func (c *Client) SubmitClaim(claim usk.Claim) (bool, error) {
	raw, err := claim.Marshal()
	if err != nil {
		return false, fmt.Errorf("encode claim:\n%w", err)
	}

	var resp struct {
		Advanced bool `json:"advanced"`
	}

	if err := c.postJSON(c.url("/usk/claims", nil), "application/cbor", raw, &resp); err != nil {
		return false, fmt.Errorf("submit claim:\n%w", err)
	}

	return resp.Advanced, nil
}

// url builds an endpoint URL on the node.
func (c *Client) url(path string, q url.Values) string {
	u := "http://" + c.nodeAddr + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	return u
}

// query encodes insert options.
func (o InsertOptions) query() url.Values {
	q := url.Values{}
	if o.Codec != block.CodecNone {
		q.Set("codec", o.Codec.String())
	}
	if o.Metadata {
		q.Set("metadata", "1")
	}

	return q
}

// query encodes fetch options.
func (o FetchOptions) query() url.Values {
	q := url.Values{}
	if o.MaxSize > 0 {
		q.Set("maxSize", strconv.FormatInt(o.MaxSize, 10))
	}
	if o.MaxRetries != nil {
		q.Set("retries", strconv.Itoa(*o.MaxRetries))
	}
	if o.LocalOnly {
		q.Set("local", "1")
	}
	if o.AllowMetadata {
		q.Set("metadata", "1")
	}
	if o.Latest {
		q.Set("latest", "1")
	}

	return q
}

// postJSON posts a raw body and decodes the JSON response.
func (c *Client) postJSON(target, contentType string, body []byte, result any) error {
	resp, err := c.http.Post(target, contentType, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("POST %s:\n%w", target, err)
	}
	defer drain(resp)

	return decodeResponse(resp, result)
}

// getJSON performs a GET request and decodes the JSON response.
func (c *Client) getJSON(target string, result any) error {
	resp, err := c.http.Get(target)
	if err != nil {
		return fmt.Errorf("GET %s:\n%w", target, err)
	}
	defer drain(resp)

	return decodeResponse(resp, result)
}
