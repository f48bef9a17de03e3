package integration

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"Keyhold/client"
)

// safeBuffer wraps bytes.Buffer with a mutex for concurrent read/write.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// Write appends data to the buffer (implements io.Writer).
func (sb *safeBuffer) Write(p []byte) (int, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	return sb.buf.Write(p)
}

// String returns the buffer contents as a string.
func (sb *safeBuffer) String() string {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	return sb.buf.String()
}

// Node represents a running keyholdd process.
type Node struct {
	index    int                // index is the node's position in the cluster
	cmd      *exec.Cmd          // cmd is the running process
	httpAddr string             // httpAddr is the HTTP API address
	quicAddr string             // quicAddr is the QUIC network address
	dataDir  string             // dataDir is the node's data directory
	stdout   *safeBuffer        // stdout captures process output
	stderr   *safeBuffer        // stderr captures process errors
	cancel   context.CancelFunc // cancel stops the process
}

// HTTPAddr returns the node's HTTP address.
func (n *Node) HTTPAddr() string { return n.httpAddr }

// IsRunning checks if the node process is alive and started successfully.
func (n *Node) IsRunning() bool {
	if n.cmd == nil || n.cmd.Process == nil {
		return false
	}

	if !strings.Contains(n.stdout.String(), "starting Keyhold node") {
		return false
	}

	// ProcessState is set once the Wait goroutine returns.
	return n.cmd.ProcessState == nil
}

// Logs returns the node's stdout output.
func (n *Node) Logs() string { return n.stdout.String() }

// LogContains checks if the node's logs contain a substring.
func (n *Node) LogContains(s string) bool {
	return strings.Contains(n.stdout.String(), s)
}

// Stop terminates the node process.
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}

	if n.cmd != nil && n.cmd.Process != nil {
		n.cmd.Process.Kill()
		time.Sleep(100 * time.Millisecond)
	}
}

// clusterOpts holds configuration for a Cluster.
type clusterOpts struct {
	httpBase   int // httpBase is the starting HTTP port
	quicBase   int // quicBase is the starting QUIC port
	maxRetries int // maxRetries is passed to every node
}

// ClusterOption configures cluster behavior.
type ClusterOption func(*clusterOpts)

// WithHTTPBase sets the starting HTTP port.
func WithHTTPBase(port int) ClusterOption { return func(o *clusterOpts) { o.httpBase = port } }

// WithQUICBase sets the starting QUIC port.
func WithQUICBase(port int) ClusterOption { return func(o *clusterOpts) { o.quicBase = port } }

// WithMaxRetries sets the per-node fetch retry ceiling.
func WithMaxRetries(n int) ClusterOption { return func(o *clusterOpts) { o.maxRetries = n } }

// Cluster manages a group of keyholdd processes connected in a line.
type Cluster struct {
	t          *testing.T  // t is the test context
	nodes      []*Node     // nodes is the list of running nodes
	binaryPath string      // binaryPath is the compiled node binary
	testDir    string      // testDir is the temporary directory for node data
	opts       clusterOpts // opts is the cluster configuration
}

// NewCluster builds the binary, starts N nodes, and registers cleanup.
// Node i dials node i-1, so a block stored on node 0 is one hop from node 1.
func NewCluster(t *testing.T, size int, options ...ClusterOption) *Cluster {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	opts := clusterOpts{httpBase: 28000, quicBase: 29000}
	for _, o := range options {
		o(&opts)
	}

	c := &Cluster{
		t:          t,
		binaryPath: buildBinary(t),
		opts:       opts,
	}

	testDir, err := os.MkdirTemp("", "keyhold_cluster_*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}

	c.testDir = testDir
	t.Cleanup(func() { os.RemoveAll(testDir) })

	c.startNodes(size)
	t.Cleanup(func() { c.Stop() })

	return c
}

// startNodes starts every node and waits for it to log its banner.
func (c *Cluster) startNodes(size int) {
	c.t.Helper()
	c.nodes = make([]*Node, size)

	for i := 0; i < size; i++ {
		var peers []string
		if i > 0 {
			peers = []string{c.nodes[i-1].quicAddr}
		}

		c.nodes[i] = c.startNode(i, peers)
		c.waitRunning(c.nodes[i], 10*time.Second)
	}
}

// waitRunning polls until the node has started or fails the test.
func (c *Cluster) waitRunning(n *Node, timeout time.Duration) {
	c.t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if n.IsRunning() && QueryHealthSafe(n.httpAddr) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	c.t.Fatalf("node %d failed to start:\nSTDOUT:\n%s\nSTDERR:\n%s",
		n.index, n.stdout.String(), n.stderr.String())
}

// startNode starts a single node process.
func (c *Cluster) startNode(index int, peers []string) *Node {
	c.t.Helper()

	node := &Node{
		index:    index,
		httpAddr: fmt.Sprintf("127.0.0.1:%d", c.opts.httpBase+index),
		quicAddr: fmt.Sprintf("127.0.0.1:%d", c.opts.quicBase+index),
		dataDir:  filepath.Join(c.testDir, fmt.Sprintf("node-%d", index)),
		stdout:   &safeBuffer{},
		stderr:   &safeBuffer{},
	}

	if err := os.MkdirAll(node.dataDir, 0755); err != nil {
		c.t.Fatalf("create node dir %d: %v", index, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	node.cancel = cancel

	node.cmd = exec.CommandContext(ctx, c.binaryPath, c.buildNodeArgs(node, peers)...)
	node.cmd.Stdout = node.stdout
	node.cmd.Stderr = node.stderr

	if err := node.cmd.Start(); err != nil {
		c.t.Fatalf("start node %d: %v", index, err)
	}

	// Wait in background so ProcessState gets set when the process exits.
	go node.cmd.Wait()

	return node
}

// buildNodeArgs constructs command-line arguments for a node.
func (c *Cluster) buildNodeArgs(node *Node, peers []string) []string {
	args := []string{
		"--data", node.dataDir,
		"--http", node.httpAddr,
		"--quic", node.quicAddr,
		"--key", filepath.Join(node.dataDir, "key"),
		"--max-retries", fmt.Sprintf("%d", c.opts.maxRetries),
		"--log-level", "debug",
	}

	if len(peers) > 0 {
		args = append(args, "--peers", strings.Join(peers, ","))
	}

	return args
}

// Stop kills all nodes in parallel.
func (c *Cluster) Stop() {
	var wg sync.WaitGroup

	for _, node := range c.nodes {
		if node == nil {
			continue
		}

		wg.Add(1)

		go func(n *Node) {
			defer wg.Done()
			n.Stop()
		}(node)
	}

	wg.Wait()
}

// Node returns a node by index.
func (c *Cluster) Node(i int) *Node { return c.nodes[i] }

// Size returns the number of nodes.
func (c *Cluster) Size() int { return len(c.nodes) }

// Client creates a client.Client connected to a node.
func (c *Cluster) Client(nodeIndex int) *client.Client {
	c.t.Helper()

	cli, err := client.NewClient(c.nodes[nodeIndex].httpAddr)
	if err != nil {
		c.t.Fatalf("create client for node %d: %v", nodeIndex, err)
	}

	return cli
}

// WaitConnected polls /status until every node reports at least one peer.
func (c *Cluster) WaitConnected(timeout time.Duration) {
	c.t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		connected := 0
		for _, n := range c.nodes {
			if s := QueryStatusSafe(n.httpAddr); s != nil && s.Peers > 0 {
				connected++
			}
		}

		if connected == len(c.nodes) {
			return
		}

		time.Sleep(200 * time.Millisecond)
	}

	c.t.Fatalf("timeout waiting for %d nodes to connect", len(c.nodes))
}

// buildBinary compiles the keyholdd binary.
// Uses a unique temp file per test to avoid races when tests run in parallel.
func buildBinary(t *testing.T) string {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "keyholdd_test_*")
	if err != nil {
		t.Fatalf("create temp binary file: %v", err)
	}

	binary := tmpFile.Name()
	tmpFile.Close()

	cmd := exec.Command("go", "build", "-o", binary, "./cmd/keyholdd")
	cmd.Dir = getProjectRoot(t)

	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build failed: %v\n%s", err, output)
	}

	t.Cleanup(func() { os.Remove(binary) })

	return binary
}

// getProjectRoot returns the project root directory (containing go.mod).
func getProjectRoot(t *testing.T) string {
	t.Helper()

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("get working dir: %v", err)
	}

	dir := wd
	for i := 0; i < 5; i++ {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		dir = filepath.Dir(dir)
	}

	t.Fatalf("could not find project root from %s", wd)

	return ""
}
