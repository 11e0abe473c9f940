package config

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DatabaseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cman.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
cluster_name: prod-cluster
node_name: node-a
expected_votes: 3
votes: 1
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "prod-cluster", cfg.ClusterName)
	assert.Equal(t, "node-a", cfg.NodeName)
	assert.Equal(t, uint32(3), cfg.ExpectedVotes)
	assert.NotZero(t, cfg.ClusterID)
	assert.NotEmpty(t, cfg.ClusterKey)
	assert.Contains(t, cfg.MulticastAddr, "239.192.")
}

func TestLoad_MissingDatabaseFallsBackToDefaults(t *testing.T) {
	os.Setenv(envClusterName, "env-cluster")
	defer os.Unsetenv(envClusterName)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "env-cluster", cfg.ClusterName)
	assert.Equal(t, uint8(1), cfg.Votes)
}

func TestLoad_NoConfigurationMode(t *testing.T) {
	os.Setenv(envClusterName, "noconfig-cluster")
	os.Setenv(envNodeID, "7")
	defer os.Unsetenv(envClusterName)
	defer os.Unsetenv(envNodeID)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "noconfig-cluster", cfg.ClusterName)
	assert.Equal(t, int32(7), cfg.NodeID)
}

func TestEnvOverrides_TakePrecedenceOverDatabase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cman.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cluster_name: from-db\nexpected_votes: 1\n"), 0644))

	os.Setenv(envClusterName, "from-env")
	defer os.Unsetenv(envClusterName)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.ClusterName)
}

func TestDeriveDefaults_KeyFileOverridesDerivedKey(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "cman.key")
	require.NoError(t, os.WriteFile(keyPath, []byte("a-secret-key-from-disk"), 0600))

	cfg := &Config{ClusterName: "k-cluster"}
	require.NoError(t, deriveDefaults(cfg, keyPath))
	assert.Equal(t, []byte("a-secret-key-from-disk"), cfg.ClusterKey)
}

func TestClusterIDHash_Deterministic(t *testing.T) {
	a := clusterIDHash("prod-cluster")
	b := clusterIDHash("prod-cluster")
	c := clusterIDHash("other-cluster")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestDefaultMulticastAddr_IPv6WhenInterfaceIsV6(t *testing.T) {
	addr := defaultMulticastAddr(0xabcd, []net.IP{net.ParseIP("fd00::1")})
	assert.Equal(t, "ff15::abcd", addr)
}

func TestValidate_RejectsLoopbackInterface(t *testing.T) {
	cfg := &Config{MulticastAddr: "239.192.1.2", Interfaces: []net.IP{net.ParseIP("127.0.0.1")}}
	err := Validate(cfg)
	assert.ErrorContains(t, err, "loopback")
}

func TestValidate_RejectsFamilyMismatch(t *testing.T) {
	cfg := &Config{MulticastAddr: "239.192.1.2", Interfaces: []net.IP{net.ParseIP("fd00::1")}}
	err := Validate(cfg)
	assert.ErrorContains(t, err, "family")
}

func TestMatchLocalNode_ExactlyOneMatchRequired(t *testing.T) {
	cfg := &Config{
		ClusterNodes: []NodeSpec{{Name: "node-a"}, {Name: "node-b"}},
	}
	_, err := matchLocalNode(cfg, "node-a")
	assert.NoError(t, err)

	cfg2 := &Config{ClusterNodes: []NodeSpec{{Name: "node-c"}}}
	_, err = matchLocalNode(cfg2, "node-a")
	assert.ErrorContains(t, err, "no entry")
}

func TestMatchLocalNode_MultipleAddressesOnSameNodeCountOnce(t *testing.T) {
	cfg := &Config{
		Interfaces: []net.IP{net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.2")},
		ClusterNodes: []NodeSpec{
			{Name: "node-a", Addresses: []string{"10.0.0.1", "10.0.0.2"}},
		},
	}
	_, err := matchLocalNode(cfg, "unrelated-hostname")
	assert.NoError(t, err)
}

func TestPadToWord(t *testing.T) {
	assert.Equal(t, 4, len(padToWord("ab")))
	assert.Equal(t, 8, len(padToWord("abcdef")))
	assert.Equal(t, 4, len(padToWord("abcd")))
}
