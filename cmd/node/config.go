package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"txflow/internal/epoch"
)

// Config holds the node configuration.
type Config struct {
	// DataPath is the directory for persistent storage.
	DataPath string

	// QUICAddress is the QUIC P2P listen address.
	QUICAddress string

	// Peers is the list of peer addresses dialed at startup.
	Peers []string

	// KeyPath is the path to the Ed25519 private key file.
	KeyPath string

	// PrivateKey is the node's Ed25519 signing key.
	PrivateKey ed25519.PrivateKey

	// ValidatorsPath is the JSON file describing the validator set.
	ValidatorsPath string

	// EpochTimeout stalls epochs that are not endorsed in time.
	EpochTimeout time.Duration

	// ProposeInterval is the delay between proposals; 0 disables proposing.
	ProposeInterval time.Duration

	// Policy names the representative selection policy.
	Policy string

	// DebugProxy logs every inbound package.
	DebugProxy bool

	// DropRate is the fraction of inbound packages dropped on purpose.
	DropRate float64

	// Compress zstd-compresses outbound payloads.
	Compress bool

	// SnapshotInterval is the delay between DAG snapshot rebuilds.
	SnapshotInterval time.Duration

	// CatchUp fetches a peer snapshot at startup when the local DAG is empty.
	CatchUp bool

	// HTTPAddress serves the operator API and /metrics; empty disables it.
	HTTPAddress string

	// LogLevel is the minimum log level (debug, info, warn, error).
	LogLevel string

	// PrintIdentity prints the validator entry for this key and exits.
	PrintIdentity bool
}

// parseFlags parses command-line flags into Config.
func parseFlags() *Config {
	cfg := &Config{}

	var peers string

	flag.StringVar(&cfg.DataPath, "data", "./data", "Data directory path")
	flag.StringVar(&cfg.QUICAddress, "quic", ":9000", "QUIC P2P address")
	flag.StringVar(&peers, "peers", "", "Comma-separated peer addresses")
	flag.StringVar(&cfg.KeyPath, "key", "", "Ed25519 private key path (generates new if missing)")
	flag.StringVar(&cfg.ValidatorsPath, "validators", "./validators.json", "Validator set JSON file")
	flag.DurationVar(&cfg.EpochTimeout, "epoch-timeout", 10*time.Second, "Epoch endorsement timeout (0 disables)")
	flag.DurationVar(&cfg.ProposeInterval, "propose-interval", time.Second, "Interval between proposals (0 disables)")
	flag.StringVar(&cfg.Policy, "policy", "round-robin", "Representative selection (round-robin, rendezvous, heaviest)")
	flag.BoolVar(&cfg.DebugProxy, "debug-proxy", false, "Log every inbound package")
	flag.Float64Var(&cfg.DropRate, "drop-rate", 0, "Fraction of inbound packages to drop (testing)")
	flag.BoolVar(&cfg.Compress, "compress", false, "Compress outbound payloads with zstd")
	flag.DurationVar(&cfg.SnapshotInterval, "snapshot-interval", 10*time.Second, "Interval between DAG snapshots served to peers")
	flag.BoolVar(&cfg.CatchUp, "catch-up", true, "Fetch a peer snapshot at startup when the DAG is empty")
	flag.StringVar(&cfg.HTTPAddress, "http", ":8080", "HTTP API and metrics address (empty disables)")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.BoolVar(&cfg.PrintIdentity, "print-identity", false, "Print this node's validator entry and exit")
	flag.Parse()

	cfg.Peers = splitPeers(peers)

	return cfg
}

// splitPeers splits a comma-separated address list, skipping blanks.
func splitPeers(s string) []string {
	var out []string

	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}

	return out
}

// validate checks flag combinations that cannot work.
func (c *Config) validate() error {
	if c.DropRate < 0 || c.DropRate > 1 {
		return fmt.Errorf("drop rate must be within [0, 1], got %v", c.DropRate)
	}

	if c.EpochTimeout < 0 || c.ProposeInterval < 0 || c.SnapshotInterval < 0 {
		return fmt.Errorf("durations must not be negative")
	}

	if _, err := parsePolicy(c.Policy); err != nil {
		return err
	}

	return nil
}

// parsePolicy maps a policy name to its implementation. Every validator
// must run the same policy.
func parsePolicy(name string) (epoch.SelectionPolicy, error) {
	switch name {
	case "", "round-robin":
		return epoch.RoundRobin{}, nil
	case "rendezvous":
		return epoch.Rendezvous{}, nil
	case "heaviest":
		return epoch.HeaviestAuthor{}, nil
	default:
		return nil, fmt.Errorf("unknown policy %q", name)
	}
}

// loadOrGenerateKey loads the private key from file or generates a new one.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		return generateNewKey()
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateNewKey creates a new Ed25519 private key.
func generateNewKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return priv, nil
}

// generateAndSaveKey creates a new key and saves it to the given path.
func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	priv, err := generateNewKey()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return priv, nil
}
