package integration

import (
	"bytes"
	"testing"
	"time"

	"Keyhold/client"
	"Keyhold/internal/block"
	"Keyhold/internal/fetcherr"
	"Keyhold/internal/keys"
	"Keyhold/internal/usk"
)

// TestClusterFetchAcrossPeers inserts on one end of a three-node line and
// fetches hop by hop, each fetch caching the block for the next.
func TestClusterFetchAcrossPeers(t *testing.T) {
	c := NewCluster(t, 3, WithHTTPBase(28000), WithQUICBase(29000))
	c.WaitConnected(30 * time.Second)

	payload := bytes.Repeat([]byte("replicated "), 500)

	key, err := c.Client(0).InsertCHK(payload, client.InsertOptions{Codec: block.CodecZstd})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Node 2 only knows node 1, which does not hold the block yet.
	if _, err := c.Client(2).Fetch(key, client.FetchOptions{}); fetcherr.ModeOf(err) != fetcherr.DataNotFound {
		t.Fatalf("two-hop fetch before caching: %v", err)
	}

	got, err := c.Client(1).Fetch(key, client.FetchOptions{})
	if err != nil {
		t.Fatalf("fetch from neighbour: %v", err)
	}

	if !bytes.Equal(got.Data, payload) || got.FromStore {
		t.Fatalf("neighbour fetch: %d bytes, fromStore=%v", len(got.Data), got.FromStore)
	}

	again, err := c.Client(1).Fetch(key, client.FetchOptions{LocalOnly: true})
	if err != nil || !again.FromStore {
		t.Fatalf("cached fetch: %v", err)
	}

	if n := QueryCounter(t, c.Node(1).HTTPAddr(), "keyhold_transport_blocks_found_total"); n < 2 {
		t.Errorf("blocks found on node 1 = %v", n)
	}

	if s := QueryStatus(t, c.Node(1).HTTPAddr()); s.Blocks != 1 {
		t.Errorf("node 1 stores %d blocks", s.Blocks)
	}
}

// TestClusterMissingBlock checks that a miss is remembered by the asking node.
func TestClusterMissingBlock(t *testing.T) {
	c := NewCluster(t, 2, WithHTTPBase(28100), WithQUICBase(29100))
	c.WaitConnected(30 * time.Second)

	_, key, err := block.EncodeCHK([]byte("never inserted"), block.Options{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	cli := c.Client(1)

	if _, err := cli.Fetch(key, client.FetchOptions{}); fetcherr.ModeOf(err) != fetcherr.DataNotFound {
		t.Fatalf("first fetch: %v", err)
	}

	if _, err := cli.Fetch(key, client.FetchOptions{}); fetcherr.ModeOf(err) != fetcherr.RecentlyFailed {
		t.Fatalf("second fetch: %v", err)
	}

	if s := QueryStatus(t, c.Node(1).HTTPAddr()); s.RecentlyFailed != 1 {
		t.Errorf("recently failed = %d", s.RecentlyFailed)
	}
}

// TestClusterUpdatableSite publishes editions on one node and follows the
// site from another through a relayed claim.
func TestClusterUpdatableSite(t *testing.T) {
	c := NewCluster(t, 2, WithHTTPBase(28200), WithQUICBase(29200))
	c.WaitConnected(30 * time.Second)

	publisher := c.Client(0)
	reader := c.Client(1)

	var editions []keys.ClientKey
	for ed := int64(0); ed <= 2; ed++ {
		key, err := publisher.InsertSSK("journal", ed, []byte{byte('A' + ed)}, client.InsertOptions{})
		if err != nil {
			t.Fatalf("insert edition %d: %v", ed, err)
		}
		editions = append(editions, key)
	}

	info, err := publisher.LatestEdition(publisher.Owner(), "journal")
	if err != nil {
		t.Fatalf("publisher latest: %v", err)
	}

	if info.Edition != 2 || info.Claim == nil {
		t.Fatalf("publisher latest = %+v", info)
	}

	advanced, err := reader.SubmitClaim(*info.Claim)
	if err != nil || !advanced {
		t.Fatalf("relay claim = %v, %v", advanced, err)
	}

	// A claim whose edition was altered fails verification.
	altered := *info.Claim
	altered.Edition = 7
	if _, err := reader.SubmitClaim(altered); err == nil {
		t.Error("claim with altered edition accepted")
	}

	got, err := reader.Fetch(editions[0], client.FetchOptions{Latest: true})
	if err != nil {
		t.Fatalf("fetch latest from reader: %v", err)
	}

	if string(got.Data) != "C" || got.Key.Edition() != 2 || got.FromStore {
		t.Errorf("latest = %q edition %d fromStore=%v", got.Data, got.Key.Edition(), got.FromStore)
	}
}

// TestClusterRejectsEmptyClaim checks claim validation on a lone node.
func TestClusterRejectsEmptyClaim(t *testing.T) {
	c := NewCluster(t, 1, WithHTTPBase(28300), WithQUICBase(29300))

	if status := QueryStatus(t, c.Node(0).HTTPAddr()); status.Owner == "" {
		t.Fatal("status carries no owner")
	}

	if _, err := c.Client(0).SubmitClaim(usk.Claim{}); err == nil {
		t.Error("empty claim accepted")
	}
}
