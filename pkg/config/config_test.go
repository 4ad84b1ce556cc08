package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/NullTerm/pkg/crypto"
	"example.com/NullTerm/pkg/models"
)

func testCrypter(t *testing.T) *crypto.Crypter {
	t.Helper()
	c, err := crypto.NewCrypter(bytes.Repeat([]byte{0x2a}, crypto.KeySize))
	require.NoError(t, err)
	return c
}

func sampleConfiguration() *Configuration {
	return &Configuration{
		Identities: map[string]models.Identity{
			"ops": {User: "ops", Password: "hunter2", AuthType: "password"},
			"web": {User: "deploy", KeyPath: "~/.ssh/id_ed25519", Passphrase: "letmein", AuthType: "key"},
		},
		Hosts: map[string]models.Host{
			"db01":  {Address: "10.0.0.5", Port: 22, Alias: []string{"db01.internal"}},
			"web01": {Address: "10.0.0.8", Port: 2222},
		},
		Nodes: map[string]models.Node{
			"db01":  {HostRef: "db01", IdentityRef: "ops", Alias: []string{"database"}, Tags: []string{"prod", "db"}},
			"web01": {HostRef: "web01", IdentityRef: "web", Tags: []string{"prod", "web"}},
		},
	}
}

func TestStoreLoadMissingFileReturnsEmpty(t *testing.T) {
	store := NewDefaultStore(filepath.Join(t.TempDir(), "nope.yaml"), testCrypter(t))
	cfg, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.Nodes)
	assert.NotNil(t, cfg.Identities)
	assert.NotNil(t, cfg.Hosts)
}

func TestStoreSaveEncryptsSecretsOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	store := NewDefaultStore(path, testCrypter(t))
	require.NoError(t, store.Save(sampleConfiguration()))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hunter2")
	assert.NotContains(t, string(raw), "letmein")
	assert.Contains(t, string(raw), crypto.Prefix)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	store := NewDefaultStore(path, testCrypter(t))
	require.NoError(t, store.Save(sampleConfiguration()))

	cfg, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "hunter2", cfg.Identities["ops"].Password)
	assert.Equal(t, "letmein", cfg.Identities["web"].Passphrase)
	assert.Equal(t, "10.0.0.5", cfg.Hosts["db01"].Address)
	assert.Equal(t, []string{"prod", "db"}, cfg.Nodes["db01"].Tags)
}

func TestStoreSaveDoesNotMutateInput(t *testing.T) {
	store := NewDefaultStore(filepath.Join(t.TempDir(), "config.yaml"), testCrypter(t))
	cfg := sampleConfiguration()
	require.NoError(t, store.Save(cfg))
	// caller's copy keeps plaintext
	assert.Equal(t, "hunter2", cfg.Identities["ops"].Password)
}

func TestStoreLoadFailsOnWrongKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, NewDefaultStore(path, testCrypter(t)).Save(sampleConfiguration()))

	other, err := crypto.NewCrypter(bytes.Repeat([]byte{0x77}, crypto.KeySize))
	require.NoError(t, err)
	_, err = NewDefaultStore(path, other).Load()
	assert.Error(t, err)
}

func TestProviderFind(t *testing.T) {
	cp := NewProvider(sampleConfiguration())

	assert.Equal(t, "db01", cp.Find("db01"))
	assert.Equal(t, "db01", cp.Find("database"))
	assert.Equal(t, "db01", cp.Find("ops@10.0.0.5:22"))
	assert.Equal(t, "db01", cp.Find("ops@db01.internal:22"))
	assert.Equal(t, "web01", cp.Find("deploy@10.0.0.8:2222"))
	assert.Equal(t, "", cp.Find("ghost"))
}

func TestProviderResolvesRefs(t *testing.T) {
	cp := NewProvider(sampleConfiguration())

	host, ok := cp.GetHost("web01")
	require.True(t, ok)
	assert.Equal(t, 2222, host.Port)

	identity, ok := cp.GetIdentity("web01")
	require.True(t, ok)
	assert.Equal(t, "deploy", identity.User)

	_, ok = cp.GetHost("missing")
	assert.False(t, ok)
}

func TestProviderAddNodeIndexesAliases(t *testing.T) {
	cp := NewProvider(sampleConfiguration())
	cp.AddHost("cache01", models.Host{Address: "10.0.0.9", Port: 22})
	cp.AddNode("cache01", models.Node{HostRef: "cache01", IdentityRef: "ops", Alias: []string{"redis"}})

	assert.Equal(t, "cache01", cp.Find("redis"))
	assert.Equal(t, "cache01", cp.Find("ops@10.0.0.9:22"))
}

func TestProviderDeleteNodeRemovesIndex(t *testing.T) {
	cp := NewProvider(sampleConfiguration())
	cp.DeleteNode("db01")

	assert.Equal(t, "", cp.Find("db01"))
	assert.Equal(t, "", cp.Find("database"))
	_, ok := cp.GetNode("db01")
	assert.False(t, ok)
	// referenced host survives
	_, ok = cp.hosts.Get("db01")
	assert.True(t, ok)
}

func TestProviderGetNodesByTag(t *testing.T) {
	cp := NewProvider(sampleConfiguration())

	prod := cp.GetNodesByTag("prod")
	assert.Len(t, prod, 2)
	db := cp.GetNodesByTag("db")
	assert.Len(t, db, 1)
	assert.Contains(t, db, "db01")
	assert.Empty(t, cp.GetNodesByTag("staging"))
}

func TestProviderFilterNodes(t *testing.T) {
	cp := NewProvider(sampleConfiguration())

	byName := cp.FilterNodes(models.NodeFilter{Names: []string{"web01"}})
	assert.Len(t, byName, 1)
	assert.Contains(t, byName, "web01")

	mixed := cp.FilterNodes(models.NodeFilter{Names: []string{"web01"}, Tags: []string{"db"}})
	assert.Len(t, mixed, 2)

	assert.Empty(t, cp.FilterNodes(models.NodeFilter{}))
}

func TestProviderSnapshotRoundTrip(t *testing.T) {
	cp := NewProvider(sampleConfiguration())
	cp.AddIdentity("root", models.Identity{User: "root", Password: "toor", AuthType: "password"})

	snap := cp.Snapshot()
	assert.Len(t, snap.Identities, 3)
	assert.Len(t, snap.Nodes, 2)
	assert.Equal(t, "toor", snap.Identities["root"].Password)
}
