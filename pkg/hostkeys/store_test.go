package hostkeys

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempStore(t *testing.T, opts ...Option) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "known_hosts")
	return NewStore(path, opts...), path
}

// hashedLine builds a |1|salt|hash entry the way ssh-keyscan -H does.
func hashedLine(host string, keyType string, key []byte) string {
	salt := []byte("0123456789abcdef0123") // fixed salt, 20 bytes
	mac := hmac.New(sha1.New, salt)
	mac.Write([]byte(host))
	return fmt.Sprintf("|1|%s|%s %s %s",
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		keyType,
		base64.StdEncoding.EncodeToString(key))
}

func TestLoadMissingFile(t *testing.T) {
	s, _ := tempStore(t)
	require.True(t, s.Load())
	assert.Empty(t, s.List())
}

func TestLoadSkipsMalformedLines(t *testing.T) {
	s, path := tempStore(t)
	content := strings.Join([]string{
		"# comment line",
		"",
		"only-two fields",
		"badb64.example.com ssh-ed25519 %%%not-base64%%%",
		"good.example.com ssh-ed25519 " + base64.StdEncoding.EncodeToString([]byte("key-1")),
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	require.True(t, s.Load())
	assert.Equal(t, []string{"good.example.com"}, s.List())
}

func TestLoadCommaSeparatedAliases(t *testing.T) {
	s, path := tempStore(t)
	line := "web1,web1.example.com,10.0.0.5 ssh-rsa " +
		base64.StdEncoding.EncodeToString([]byte("rsa-key"))
	require.NoError(t, os.WriteFile(path, []byte(line+"\n"), 0644))
	require.True(t, s.Load())

	for _, name := range []string{"web1", "web1.example.com", "10.0.0.5"} {
		res := s.Verify(name, 22, "ssh-rsa", []byte("rsa-key"))
		assert.Equal(t, StatusVerified, res.Status, "alias %s", name)
	}
}

func TestVerifyUnknownFirstContact(t *testing.T) {
	s, _ := tempStore(t)
	res := s.Verify("nowhere.example.com", 22, "ssh-ed25519", []byte("key"))
	assert.Equal(t, StatusUnknown, res.Status)
	assert.Empty(t, res.Message)
}

func TestVerifyHashedEntry(t *testing.T) {
	s, path := tempStore(t)
	key := []byte("ed25519-public-key-bytes")
	require.NoError(t, os.WriteFile(path, []byte(hashedLine("secret.example.com", "ssh-ed25519", key)+"\n"), 0644))

	// Exact hostname recomputes to the stored HMAC and verifies.
	res := s.Verify("secret.example.com", 22, "ssh-ed25519", key)
	assert.Equal(t, StatusVerified, res.Status)

	// A different hostname must not match the hashed entry.
	res = s.Verify("other.example.com", 22, "ssh-ed25519", key)
	assert.Equal(t, StatusUnknown, res.Status)
}

func TestVerifyHashedNonStandardPort(t *testing.T) {
	s, path := tempStore(t)
	key := []byte("k")
	require.NoError(t, os.WriteFile(path, []byte(hashedLine("[bastion.example.com]:2222", "ssh-ed25519", key)+"\n"), 0644))

	res := s.Verify("bastion.example.com", 2222, "ssh-ed25519", key)
	assert.Equal(t, StatusVerified, res.Status)

	// Same host on the default port is a different identity.
	res = s.Verify("bastion.example.com", 22, "ssh-ed25519", key)
	assert.Equal(t, StatusUnknown, res.Status)
}

func TestMismatchDetection(t *testing.T) {
	s, _ := tempStore(t)
	require.True(t, s.Add("victim.example.com", 22, "ssh-ed25519", []byte("original-key"), false))

	res := s.Verify("victim.example.com", 22, "ssh-ed25519", []byte("attacker-key"))
	assert.Equal(t, StatusMismatch, res.Status)
	assert.Contains(t, res.Message, "man-in-the-middle")
}

func TestMismatchAcrossKeyTypes(t *testing.T) {
	// A candidate with a different type but same host is still a mismatch,
	// never coalesced into UNKNOWN.
	s, _ := tempStore(t)
	require.True(t, s.Add("host.example.com", 22, "ssh-rsa", []byte("rsa-key"), false))

	res := s.Verify("host.example.com", 22, "ssh-ed25519", []byte("ed-key"))
	assert.Equal(t, StatusMismatch, res.Status)
}

func TestFingerprintDeterminism(t *testing.T) {
	key := []byte("some-public-key-material")
	fp1 := Fingerprint(key)
	fp2 := Fingerprint(append([]byte(nil), key...))
	assert.Equal(t, fp1, fp2)
	assert.True(t, strings.HasPrefix(fp1, "SHA256:"))
	assert.False(t, strings.HasSuffix(fp1, "="), "fingerprint must not be padded")

	// Independent of hostname and port.
	s, _ := tempStore(t)
	resA := s.Verify("a.example.com", 22, "ssh-ed25519", key)
	resB := s.Verify("b.example.com", 2200, "ssh-ed25519", key)
	assert.Equal(t, fp1, resA.Fingerprint)
	assert.Equal(t, fp1, resB.Fingerprint)
}

func TestAddRequiresApproval(t *testing.T) {
	// confirm=true without a callback is a refusal, not a silent trust.
	s, path := tempStore(t)
	assert.False(t, s.Add("h.example.com", 22, "ssh-ed25519", []byte("k"), true))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	rejected := false
	s2, path2 := tempStore(t, WithApproval(func(r Result) bool {
		rejected = true
		assert.Equal(t, StatusUnknown, r.Status)
		assert.NotEmpty(t, r.Fingerprint)
		return false
	}))
	assert.False(t, s2.Add("h.example.com", 22, "ssh-ed25519", []byte("k"), true))
	assert.True(t, rejected)
	_, err = os.Stat(path2)
	assert.True(t, os.IsNotExist(err))

	s3, _ := tempStore(t, WithApproval(func(r Result) bool { return true }))
	assert.True(t, s3.Add("h.example.com", 22, "ssh-ed25519", []byte("k"), true))
	res := s3.Verify("h.example.com", 22, "ssh-ed25519", []byte("k"))
	assert.Equal(t, StatusVerified, res.Status)
}

func TestRemovePreservesUnrelatedLines(t *testing.T) {
	s, path := tempStore(t)
	require.True(t, s.Add("keep.example.com", 22, "ssh-ed25519", []byte("k1"), false))
	require.True(t, s.Add("drop.example.com", 22, "ssh-ed25519", []byte("k2"), false))

	// Prepend a comment by hand; Remove must carry it through verbatim.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, append([]byte("# trusted hosts\n"), data...), 0644))

	assert.True(t, s.Remove("drop.example.com", 22))

	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# trusted hosts")
	assert.Contains(t, string(data), "keep.example.com")
	assert.NotContains(t, string(data), "drop.example.com")

	assert.False(t, s.Remove("drop.example.com", 22), "second removal finds nothing")
}

func TestRemoveHashedEntry(t *testing.T) {
	s, path := tempStore(t)
	key := []byte("k")
	require.NoError(t, os.WriteFile(path, []byte(hashedLine("hidden.example.com", "ssh-ed25519", key)+"\n"), 0644))

	assert.True(t, s.Remove("hidden.example.com", 22))
	res := s.Verify("hidden.example.com", 22, "ssh-ed25519", key)
	assert.Equal(t, StatusUnknown, res.Status)
}

func TestEndToEndScenario(t *testing.T) {
	s, path := tempStore(t)
	key := []byte("ed25519-key-bytes")

	require.True(t, s.Load())
	require.Empty(t, s.List())

	require.True(t, s.Add("example.com", 22, "ssh-ed25519", key, false))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "example.com ssh-ed25519 "))

	res := s.Verify("example.com", 22, "ssh-ed25519", key)
	assert.Equal(t, StatusVerified, res.Status)

	res = s.Verify("example.com", 22, "ssh-ed25519", []byte("different"))
	assert.Equal(t, StatusMismatch, res.Status)
	assert.NotEmpty(t, res.Message)

	assert.True(t, s.Remove("example.com", 22))
	res = s.Verify("example.com", 22, "ssh-ed25519", key)
	assert.Equal(t, StatusUnknown, res.Status)
}

func TestFingerprintFor(t *testing.T) {
	s, _ := tempStore(t)
	_, ok := s.FingerprintFor("none.example.com", 22)
	assert.False(t, ok)

	key := []byte("k")
	require.True(t, s.Add("fp.example.com", 22, "ssh-ed25519", key, false))
	fp, ok := s.FingerprintFor("fp.example.com", 22)
	require.True(t, ok)
	assert.Equal(t, Fingerprint(key), fp)
}

func TestFingerprintForHashedEntry(t *testing.T) {
	s, path := tempStore(t)
	key := []byte("hashed-only-key")
	require.NoError(t, os.WriteFile(path, []byte(hashedLine("vault.example.com", "ssh-ed25519", key)+"\n"), 0644))

	fp, ok := s.FingerprintFor("vault.example.com", 22)
	require.True(t, ok)
	assert.Equal(t, Fingerprint(key), fp)
	assert.Equal(t, []string{"ssh-ed25519"}, s.KeyTypes("vault.example.com", 22))
}

func TestSplitEntryKey(t *testing.T) {
	host, port := SplitEntryKey("web.example.com")
	assert.Equal(t, "web.example.com", host)
	assert.Equal(t, 22, port)

	host, port = SplitEntryKey("[db.example.com]:2222")
	assert.Equal(t, "db.example.com", host)
	assert.Equal(t, 2222, port)

	// 哈希化条目原样返回
	host, port = SplitEntryKey("|1|c2FsdA==|aGFzaA==")
	assert.Equal(t, "|1|c2FsdA==|aGFzaA==", host)
	assert.Equal(t, 22, port)
}

func TestListEntriesResolveToKeyTypes(t *testing.T) {
	s, path := tempStore(t)
	key := []byte("some-key")
	require.True(t, s.Add("db.example.com", 2222, "ssh-ed25519", key, false))
	require.NoError(t, func() error {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = f.WriteString(hashedLine("hidden.example.com", "ssh-rsa", key) + "\n")
		return err
	}())
	require.True(t, s.Load())

	// List 返回的每个条目键都必须能反解出非空的密钥类型
	entries := s.List()
	require.Len(t, entries, 2)
	for _, entry := range entries {
		host, port := SplitEntryKey(entry)
		assert.NotEmpty(t, s.KeyTypes(host, port), "entry %q yielded no key types", entry)
	}

	host, port := SplitEntryKey("[db.example.com]:2222")
	assert.Equal(t, []string{"ssh-ed25519"}, s.KeyTypes(host, port))
}

func TestAddDeduplicates(t *testing.T) {
	s, _ := tempStore(t)
	require.True(t, s.Add("dup.example.com", 22, "ssh-ed25519", []byte("k"), false))
	require.True(t, s.Add("dup.example.com", 22, "ssh-ed25519", []byte("k"), false))

	s.mu.RLock()
	defer s.mu.RUnlock()
	assert.Len(t, s.entries["dup.example.com"], 1)
}
