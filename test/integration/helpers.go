package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"txflow/client"
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

// Node represents a running txflow node process.
type Node struct {
	index    int                // index is the node's position in the cluster
	cmd      *exec.Cmd          // cmd is the running process
	httpAddr string             // httpAddr is the HTTP API address
	quicAddr string             // quicAddr is the QUIC network address
	dataDir  string             // dataDir is the node's data directory
	keyPath  string             // keyPath is the node's private key file
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

	if !strings.Contains(n.stdout.String(), "starting txflow node") {
		return false
	}

	return n.cmd.ProcessState == nil
}

// Logs returns the node's stdout output.
func (n *Node) Logs() string { return n.stdout.String() }

// LogContains checks if the node's logs contain a substring.
func (n *Node) LogContains(s string) bool {
	return strings.Contains(n.stdout.String(), s)
}

// Client returns an API client for the node.
func (n *Node) Client() *client.Client { return client.New(n.httpAddr) }

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
	proposeInterval  time.Duration // proposeInterval is the delay between proposals
	epochTimeout     time.Duration // epochTimeout stalls slow epochs
	snapshotInterval time.Duration // snapshotInterval is the snapshot rebuild delay
}

// ClusterOption configures cluster behavior.
type ClusterOption func(*clusterOpts)

// WithProposeInterval sets the delay between proposals.
func WithProposeInterval(d time.Duration) ClusterOption {
	return func(o *clusterOpts) { o.proposeInterval = d }
}

// WithEpochTimeout sets the epoch endorsement timeout.
func WithEpochTimeout(d time.Duration) ClusterOption {
	return func(o *clusterOpts) { o.epochTimeout = d }
}

// Cluster manages a group of validator processes sharing one validator set.
type Cluster struct {
	t              *testing.T  // t is the test context
	nodes          []*Node     // nodes is the list of running nodes
	binaryPath     string      // binaryPath is the compiled node binary
	testDir        string      // testDir is the temporary directory for node data
	validatorsPath string      // validatorsPath is the shared validators file
	opts           clusterOpts // opts is the cluster configuration
}

// NewCluster builds the binary, creates size validator identities, starts
// every node and registers cleanup.
func NewCluster(t *testing.T, size int, options ...ClusterOption) *Cluster {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	opts := clusterOpts{
		proposeInterval:  300 * time.Millisecond,
		epochTimeout:     5 * time.Second,
		snapshotInterval: 200 * time.Millisecond,
	}
	for _, o := range options {
		o(&opts)
	}

	testDir, err := os.MkdirTemp("", "txflow_sim_*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(testDir) })

	c := &Cluster{
		t:              t,
		binaryPath:     buildBinary(t),
		testDir:        testDir,
		validatorsPath: filepath.Join(testDir, "validators.json"),
		opts:           opts,
	}

	c.nodes = make([]*Node, size)
	for i := range c.nodes {
		c.nodes[i] = c.newNode(i)
	}

	c.writeValidators(c.nodes)

	t.Cleanup(c.Stop)

	for i, n := range c.nodes {
		c.start(n, c.nodes[:i])
		c.waitRunning([]*Node{n})
	}

	return c
}

// newNode allocates addresses and a key for node index.
func (c *Cluster) newNode(index int) *Node {
	c.t.Helper()

	n := &Node{
		index:    index,
		httpAddr: freeTCPAddr(c.t),
		quicAddr: freeUDPAddr(c.t),
		dataDir:  filepath.Join(c.testDir, fmt.Sprintf("node-%d", index)),
		stdout:   &safeBuffer{},
		stderr:   &safeBuffer{},
	}
	n.keyPath = filepath.Join(n.dataDir, "key")

	if err := os.MkdirAll(n.dataDir, 0755); err != nil {
		c.t.Fatalf("create node dir %d: %v", index, err)
	}

	return n
}

// identity runs the binary once to create n's key and return its
// validators file entry.
func (c *Cluster) identity(n *Node) json.RawMessage {
	c.t.Helper()

	out, err := exec.Command(c.binaryPath, "-key", n.keyPath, "-print-identity").Output()
	if err != nil {
		c.t.Fatalf("identity of node %d: %v", n.index, err)
	}

	return json.RawMessage(out)
}

// writeValidators writes the shared validators file for nodes.
func (c *Cluster) writeValidators(nodes []*Node) {
	c.t.Helper()

	entries := make([]json.RawMessage, len(nodes))
	for i, n := range nodes {
		entries[i] = c.identity(n)
	}

	data, err := json.Marshal(entries)
	if err != nil {
		c.t.Fatalf("encode validators: %v", err)
	}

	if err := os.WriteFile(c.validatorsPath, data, 0644); err != nil {
		c.t.Fatalf("write validators: %v", err)
	}
}

// start launches n and dials every node in peers. Later flags in extra
// override the cluster defaults.
func (c *Cluster) start(n *Node, peers []*Node, extra ...string) {
	c.t.Helper()

	addrs := make([]string, len(peers))
	for i, p := range peers {
		addrs[i] = p.quicAddr
	}

	args := []string{
		"-data", n.dataDir,
		"-http", n.httpAddr,
		"-quic", n.quicAddr,
		"-key", n.keyPath,
		"-validators", c.validatorsPath,
		"-peers", strings.Join(addrs, ","),
		"-propose-interval", c.opts.proposeInterval.String(),
		"-epoch-timeout", c.opts.epochTimeout.String(),
		"-snapshot-interval", c.opts.snapshotInterval.String(),
	}
	args = append(args, extra...)

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	n.cmd = exec.CommandContext(ctx, c.binaryPath, args...)
	n.cmd.Stdout = n.stdout
	n.cmd.Stderr = n.stderr

	if err := n.cmd.Start(); err != nil {
		c.t.Fatalf("start node %d: %v", n.index, err)
	}

	// Wait in background so ProcessState gets set when the process exits.
	go n.cmd.Wait()
}

// AddObserver starts a node whose key is outside the validator set. It
// dials every cluster node, catches up from their snapshots and follows
// the DAG without proposing.
func (c *Cluster) AddObserver() *Node {
	c.t.Helper()

	n := c.newNode(len(c.nodes))
	c.identity(n)

	c.start(n, c.nodes, "-propose-interval", "0")
	c.nodes = append(c.nodes, n)
	c.waitRunning([]*Node{n})

	return n
}

// waitRunning waits until every node logged its startup line and answers
// on its API, which is served once the transport listens.
func (c *Cluster) waitRunning(nodes []*Node) {
	c.t.Helper()

	deadline := time.Now().Add(15 * time.Second)

	for _, n := range nodes {
		for !n.IsRunning() || !n.healthy() {
			if time.Now().After(deadline) || n.cmd.ProcessState != nil {
				c.t.Fatalf("node %d failed to start:\nSTDOUT:\n%s\nSTDERR:\n%s",
					n.index, n.stdout.String(), n.stderr.String())
			}

			time.Sleep(50 * time.Millisecond)
		}
	}
}

// healthy reports whether the node's API answers a status request.
func (n *Node) healthy() bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := n.Client().Status(ctx)
	return err == nil
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

// Nodes returns all nodes.
func (c *Cluster) Nodes() []*Node { return c.nodes }

// WaitForEpoch polls until every node's proposal epoch reaches epoch.
func (c *Cluster) WaitForEpoch(epoch uint64, timeout time.Duration) {
	c.t.Helper()

	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if c.minEpoch() >= epoch {
			return
		}

		time.Sleep(200 * time.Millisecond)
	}

	for _, n := range c.nodes {
		c.t.Logf("node %d logs:\n%s", n.index, n.Logs())
	}

	c.t.Fatalf("timeout waiting for epoch %d", epoch)
}

// minEpoch returns the lowest proposal epoch across reachable nodes.
func (c *Cluster) minEpoch() uint64 {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var lowest uint64

	for i, n := range c.nodes {
		st, err := n.Client().Status(ctx)
		if err != nil {
			return 0
		}

		if i == 0 || st.Epoch < lowest {
			lowest = st.Epoch
		}
	}

	return lowest
}

// buildBinary compiles the node binary.
// Uses a unique temp file per test to avoid races when running simulations in parallel.
func buildBinary(t *testing.T) string {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "txflow_test_*")
	if err != nil {
		t.Fatalf("create temp binary file: %v", err)
	}

	binary := tmpFile.Name()
	tmpFile.Close()

	cmd := exec.Command("go", "build", "-o", binary, "./cmd/node")
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

// freeTCPAddr reserves a loopback TCP port and releases it.
func freeTCPAddr(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve tcp port: %v", err)
	}
	defer l.Close()

	return l.Addr().String()
}

// freeUDPAddr reserves a loopback UDP port and releases it.
func freeUDPAddr(t *testing.T) string {
	t.Helper()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve udp port: %v", err)
	}
	defer conn.Close()

	return conn.LocalAddr().String()
}
