package config

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/cman/pkg/security"
	"gopkg.in/yaml.v3"
)

// NodeSpec is one entry of the configured cluster_nodes list: the set of
// names/addresses the local hostname must resolve against exactly once
// (spec.md §4.8(vi)).
type NodeSpec struct {
	Name      string   `yaml:"name"`
	NodeID    int32    `yaml:"node_id,omitempty"`
	Votes     uint8    `yaml:"votes,omitempty"`
	Addresses []string `yaml:"addresses,omitempty"`
}

// Database is the shape of the external configuration source (spec.md §6
// calls it "a configuration service"; here a YAML file fills that role).
// Any field left zero-valued keeps its built-in default; environment
// overrides are applied afterwards and take precedence over both.
type Database struct {
	ClusterName   string     `yaml:"cluster_name"`
	NodeName      string     `yaml:"node_name"`
	NodeID        int32      `yaml:"node_id"`
	Votes         uint8      `yaml:"votes"`
	ExpectedVotes uint32     `yaml:"expected_votes"`
	TwoNode       bool       `yaml:"two_node"`
	MulticastAddr string     `yaml:"multicast_addr"`
	KeyFile       string     `yaml:"key_file"`
	Port          int        `yaml:"port"`
	AllowDecrease bool       `yaml:"allow_decrease"`
	Interfaces    []string   `yaml:"interfaces"`
	ClusterNodes  []NodeSpec `yaml:"cluster_nodes"`
	ConfigVersion uint32     `yaml:"config_version"`

	HelloTimer         time.Duration `yaml:"hello_timer"`
	DeadNodeTimeout    time.Duration `yaml:"deadnode_timeout"`
	JoinTimeout        time.Duration `yaml:"join_timeout"`
	TransitionTimeout  time.Duration `yaml:"transition_timeout"`
	MaxRetries         int           `yaml:"max_retries"`
	TransitionRestarts int           `yaml:"transition_restarts"`
	QuorumDevicePoll   time.Duration `yaml:"quorumdev_poll"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
}

// Config is the fully resolved result of configuration intake, ready to
// feed registry.New, quorum.NewCalculator, transition.Config and the
// transport layer.
type Config struct {
	ClusterName   string
	ClusterID     uint16
	NodeName      string
	NodeID        int32
	Votes         uint8
	ExpectedVotes uint32
	TwoNode       bool
	MulticastAddr string
	ClusterKey    []byte
	Port          int
	AllowDecrease bool
	Interfaces    []net.IP
	ClusterNodes  []NodeSpec
	ConfigVersion uint32

	// LocalNode is the cluster_nodes entry Validate matched against this
	// host, populated as a side effect of Validate. Nil if ClusterNodes
	// is empty (single-node / --bootstrap deployments with no roster).
	LocalNode *NodeSpec

	HelloTimer         time.Duration
	DeadNodeTimeout    time.Duration
	JoinTimeout        time.Duration
	TransitionTimeout  time.Duration
	MaxRetries         int
	TransitionRestarts int
	QuorumDevicePoll   time.Duration
	ShutdownTimeout    time.Duration
}

func defaultDatabase() Database {
	return Database{
		Port:               5405,
		Votes:              1,
		ExpectedVotes:      1,
		HelloTimer:         5 * time.Second,
		DeadNodeTimeout:    21 * time.Second,
		JoinTimeout:        10 * time.Second,
		TransitionTimeout:  10 * time.Second,
		MaxRetries:         3,
		TransitionRestarts: 3,
		QuorumDevicePoll:   10 * time.Second,
		ShutdownTimeout:    5 * time.Second,
	}
}

// LoadDatabase reads and parses a YAML configuration database. A missing
// file is not an error: callers fall back to defaults + environment.
func LoadDatabase(path string) (*Database, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			db := defaultDatabase()
			return &db, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	db := defaultDatabase()
	if err := yaml.Unmarshal(data, &db); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &db, nil
}

// Load runs the full intake pipeline: database (or defaults if dbPath is
// empty, spec.md §6's "no-configuration mode") overlaid by environment
// variables, then derived defaults for anything still unset.
func Load(dbPath string) (*Config, error) {
	db := defaultDatabase()
	if dbPath != "" {
		loaded, err := LoadDatabase(dbPath)
		if err != nil {
			return nil, err
		}
		db = *loaded
	}

	cfg := &Config{
		ClusterName:        db.ClusterName,
		NodeName:           db.NodeName,
		NodeID:             db.NodeID,
		Votes:              db.Votes,
		ExpectedVotes:      db.ExpectedVotes,
		TwoNode:            db.TwoNode,
		MulticastAddr:      db.MulticastAddr,
		Port:               db.Port,
		AllowDecrease:      db.AllowDecrease,
		ClusterNodes:       db.ClusterNodes,
		ConfigVersion:      db.ConfigVersion,
		HelloTimer:         db.HelloTimer,
		DeadNodeTimeout:    db.DeadNodeTimeout,
		JoinTimeout:        db.JoinTimeout,
		TransitionTimeout:  db.TransitionTimeout,
		MaxRetries:         db.MaxRetries,
		TransitionRestarts: db.TransitionRestarts,
		QuorumDevicePoll:   db.QuorumDevicePoll,
		ShutdownTimeout:    db.ShutdownTimeout,
	}
	for _, raw := range db.Interfaces {
		if ip := net.ParseIP(raw); ip != nil {
			cfg.Interfaces = append(cfg.Interfaces, ip)
		}
	}

	applyEnvOverrides(cfg)

	if err := deriveDefaults(cfg, db.KeyFile); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Environment variables accepted by configuration intake (spec.md §6).
// Each overrides the database-supplied value for that parameter only.
const (
	envClusterName   = "CMAN_CLUSTER_NAME"
	envNodeName      = "CMAN_NODE_NAME"
	envExpectedVotes = "CMAN_EXPECTED_VOTES"
	envPort          = "CMAN_PORT"
	envKeyFile       = "CMAN_KEY_FILE"
	envVotes         = "CMAN_VOTES"
	envNodeID        = "CMAN_NODE_ID"
	envMulticast     = "CMAN_MULTICAST_ADDR"
	envTwoNode       = "CMAN_TWO_NODE"
)

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(envClusterName); v != "" {
		cfg.ClusterName = v
	}
	if v := os.Getenv(envNodeName); v != "" {
		cfg.NodeName = v
	}
	if v := os.Getenv(envExpectedVotes); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.ExpectedVotes = uint32(n)
		}
	}
	if v := os.Getenv(envPort); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv(envVotes); v != "" {
		if n, err := strconv.ParseUint(v, 10, 8); err == nil {
			cfg.Votes = uint8(n)
		}
	}
	if v := os.Getenv(envNodeID); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			cfg.NodeID = int32(n)
		}
	}
	if v := os.Getenv(envMulticast); v != "" {
		cfg.MulticastAddr = v
	}
	if v := os.Getenv(envTwoNode); v != "" {
		cfg.TwoNode = v == "1" || strings.EqualFold(v, "true")
	}
}

// deriveDefaults fills in anything configuration intake must compute
// rather than accept literally: cluster_id, the multicast address, and
// the shared symmetric key (spec.md §4.8(i),(iv),(v)).
func deriveDefaults(cfg *Config, keyFile string) error {
	if cfg.ClusterName == "" {
		return fmt.Errorf("config: cluster_name is required")
	}
	cfg.ClusterID = clusterIDHash(cfg.ClusterName)

	if cfg.MulticastAddr == "" {
		cfg.MulticastAddr = defaultMulticastAddr(cfg.ClusterID, cfg.Interfaces)
	}

	keyFile = firstNonEmpty(os.Getenv(envKeyFile), keyFile)
	if keyFile != "" {
		key, err := os.ReadFile(keyFile)
		if err != nil {
			return fmt.Errorf("config: read key file: %w", err)
		}
		cfg.ClusterKey = key
	} else {
		cfg.ClusterKey = security.DeriveClusterKey(padToWord(cfg.ClusterName))
	}
	return nil
}

// clusterIDHash hashes a cluster name down to 16 bits (spec.md §4.8(i)).
func clusterIDHash(name string) uint16 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	sum := h.Sum32()
	return uint16(sum ^ (sum >> 16))
}

// defaultMulticastAddr computes 239.192.hi.lo for IPv4 or ff15::<id> for
// IPv6, choosing IPv6 if any configured interface address is IPv6 (IPv4
// otherwise, including when none is configured).
func defaultMulticastAddr(clusterID uint16, interfaces []net.IP) string {
	v6 := false
	for _, ip := range interfaces {
		if ip.To4() == nil {
			v6 = true
			break
		}
	}
	if v6 {
		return fmt.Sprintf("ff15::%x", clusterID)
	}
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], clusterID)
	return fmt.Sprintf("239.192.%d.%d", buf[0], buf[1])
}

// padToWord pads s with NUL bytes up to a multiple of 4, the fallback key
// material spec.md §4.8(v) specifies when no key file is configured.
func padToWord(s string) string {
	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("\x00", 4-rem)
	}
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// GenerateKeyFile writes a fresh random 128-byte symmetric key to path,
// for operators bootstrapping a cluster without an existing key file.
func GenerateKeyFile(path string) error {
	key := make([]byte, 128)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("config: generate key: %w", err)
	}
	return os.WriteFile(path, key, 0600)
}

// Validate checks configuration against the host environment (spec.md
// §4.8(iii),(vi)): interface addresses must not be loopback and must
// match the multicast address family, and the local hostname must
// resolve to exactly one entry in ClusterNodes.
func Validate(cfg *Config) error {
	mcastIP := net.ParseIP(cfg.MulticastAddr)
	if mcastIP == nil {
		return fmt.Errorf("config: invalid multicast_addr %q", cfg.MulticastAddr)
	}
	mcastIsV4 := mcastIP.To4() != nil

	for _, ip := range cfg.Interfaces {
		if ip.IsLoopback() {
			return fmt.Errorf("config: interface address %s is a loopback address", ip)
		}
		if (ip.To4() != nil) != mcastIsV4 {
			return fmt.Errorf("config: interface address %s does not match multicast address family", ip)
		}
	}

	if len(cfg.ClusterNodes) == 0 {
		return nil
	}
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("config: determine hostname: %w", err)
	}
	matched, err := matchLocalNode(cfg, hostname)
	if err != nil {
		return err
	}
	cfg.LocalNode = matched
	return nil
}

// matchLocalNode resolves hostname against ClusterNodes, trying the
// fully-qualified name, short name, and interface-address forms in turn,
// and requires exactly one match (spec.md §4.8(vi)).
func matchLocalNode(cfg *Config, hostname string) (*NodeSpec, error) {
	short := hostname
	if idx := strings.IndexByte(hostname, '.'); idx >= 0 {
		short = hostname[:idx]
	}

	var matches []*NodeSpec
	for i := range cfg.ClusterNodes {
		n := &cfg.ClusterNodes[i]
		matched := n.Name == hostname || n.Name == short
	addrLoop:
		for _, addr := range n.Addresses {
			for _, ifaceIP := range cfg.Interfaces {
				if addr == ifaceIP.String() {
					matched = true
					break addrLoop
				}
			}
		}
		if matched {
			matches = append(matches, n)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("config: local hostname %q matches no entry in cluster_nodes", hostname)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("config: local hostname %q matches %d entries in cluster_nodes, want exactly one", hostname, len(matches))
	}
}
