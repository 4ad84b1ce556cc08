package hostkeys

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"example.com/NullTerm/utils"
)

// hashedMarker OpenSSH 哈希化主机名条目的前缀: |1|salt|hash
const hashedMarker = "|1|"

// hostKey 一条 (密钥类型, 密钥内容) 记录
type hostKey struct {
	keyType string
	key     []byte
}

// Store 基于文件的主机密钥信任库
// 读写与标准 OpenSSH known_hosts 格式兼容，负责检测密钥变更 (MITM)
// 所有公开方法不向调用方抛出 I/O 错误，失败以 false/零值返回并记录日志
type Store struct {
	path    string
	approve ApprovalFunc

	mu      sync.RWMutex
	loaded  bool
	entries map[string][]hostKey
}

// Option 配置函数
type Option func(*Store)

// WithApproval 注入新密钥写入前的确认回调
func WithApproval(fn ApprovalFunc) Option {
	return func(s *Store) { s.approve = fn }
}

// NewStore 创建信任库，path 为 known_hosts 文件路径
// 不立即读取文件，首次 Verify 时懒加载
func NewStore(path string, opts ...Option) *Store {
	s := &Store{
		path:    path,
		entries: make(map[string][]hostKey),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lookupKey 构建查找键
// 标准端口直接用主机名，非标准端口用 [host]:port (OpenSSH 约定)
func lookupKey(hostname string, port int) string {
	if port == 22 || port == 0 {
		return hostname
	}
	return fmt.Sprintf("[%s]:%d", hostname, port)
}

// SplitEntryKey 把 List 返回的条目键还原为 (主机名, 端口)
// "[host]:port" 是非标准端口的存储形式；哈希化条目无法还原主机名，
// 原样返回，按端口 22 处理后仍能作为查找键直接命中
func SplitEntryKey(entryKey string) (string, int) {
	if strings.HasPrefix(entryKey, "[") {
		if idx := strings.LastIndex(entryKey, "]:"); idx > 0 {
			if port, err := strconv.Atoi(entryKey[idx+2:]); err == nil {
				return entryKey[1:idx], port
			}
		}
	}
	return entryKey, 22
}

// Load 逐行解析 known_hosts 文件，完全替换内存中的状态
// 文件不存在不算错误 (空库返回 true)；读取失败返回 false 并保持空库
// 格式错误的行跳过并告警，绝不因脏数据中断整个加载
func (s *Store) Load() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() bool {
	s.entries = make(map[string][]hostKey)
	s.loaded = true

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return true
		}
		utils.Logger.Error("failed to read known_hosts", "path", s.path, "err", err)
		s.loaded = false
		return false
	}

	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			utils.Logger.Warn("skipping malformed known_hosts line", "line", i+1)
			continue
		}
		keyBytes, err := base64.StdEncoding.DecodeString(fields[2])
		if err != nil {
			utils.Logger.Warn("skipping known_hosts line with invalid base64", "line", i+1)
			continue
		}
		hk := hostKey{keyType: fields[1], key: keyBytes}
		if strings.HasPrefix(fields[0], hashedMarker) {
			// 哈希化条目以完整的 |1|salt|hash 串作为键存储
			s.addLocked(fields[0], hk)
		} else {
			// 逗号分隔的主机名列表，每个别名单独登记，共享同一把密钥
			for _, name := range strings.Split(fields[0], ",") {
				if name == "" {
					continue
				}
				s.addLocked(name, hk)
			}
		}
	}
	return true
}

// addLocked 去重后追加，同一主机键下不存在重复的 (类型, 内容) 对
func (s *Store) addLocked(entryKey string, hk hostKey) {
	for _, existing := range s.entries[entryKey] {
		if existing.keyType == hk.keyType && string(existing.key) == string(hk.key) {
			return
		}
	}
	s.entries[entryKey] = append(s.entries[entryKey], hk)
}

// candidatesLocked 收集查找键的全部候选密钥
// 直接条目和 HMAC 命中的哈希化条目都算候选，调用方需持有读锁
func (s *Store) candidatesLocked(lookup string) []hostKey {
	candidates := append([]hostKey(nil), s.entries[lookup]...)
	for entryKey, keys := range s.entries {
		if strings.HasPrefix(entryKey, hashedMarker) && matchesHashed(entryKey, lookup) {
			candidates = append(candidates, keys...)
		}
	}
	return candidates
}

// matchesHashed 判断哈希化条目是否对应给定的查找键
// 用存储的 salt 重算 HMAC-SHA1 并做恒定时间比较，绝不尝试逆向哈希
func matchesHashed(entryKey, lookup string) bool {
	parts := strings.Split(strings.TrimPrefix(entryKey, hashedMarker), "|")
	if len(parts) != 2 {
		return false
	}
	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	want, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	mac := hmac.New(sha1.New, salt)
	mac.Write([]byte(lookup))
	return hmac.Equal(mac.Sum(nil), want)
}

// Verify 根据库中的记录验证主机密钥
// 直接匹配和哈希化条目都会作为候选；候选为空 → UNKNOWN，
// 候选中存在完全一致的密钥 → VERIFIED，否则 → MISMATCH (安全关键分支)
func (s *Store) Verify(hostname string, port int, keyType string, key []byte) Result {
	res := Result{
		Hostname:    hostname,
		Port:        port,
		KeyType:     keyType,
		Key:         key,
		Fingerprint: Fingerprint(key),
	}

	s.mu.Lock()
	if !s.loaded {
		if !s.loadLocked() {
			s.mu.Unlock()
			res.Status = StatusError
			res.Message = fmt.Sprintf("failed to load known_hosts from %s", s.path)
			return res
		}
	}
	s.mu.Unlock()

	lookup := lookupKey(hostname, port)

	s.mu.RLock()
	candidates := s.candidatesLocked(lookup)
	s.mu.RUnlock()

	if len(candidates) == 0 {
		res.Status = StatusUnknown
		return res
	}
	for _, hk := range candidates {
		if hk.keyType == keyType && string(hk.key) == string(key) {
			res.Status = StatusVerified
			return res
		}
	}
	res.Status = StatusMismatch
	res.Message = fmt.Sprintf(
		"host key for %s has changed (got %s %s) - possible man-in-the-middle attack, refusing to connect",
		lookup, keyType, res.Fingerprint)
	return res
}

// Add 将新密钥追加到 known_hosts
// confirm 为 true 时先走确认回调，没有回调等同于拒绝 (不做静默信任)
// 写入采用标准 OpenSSH 明文格式，目录 0700、文件 0644
func (s *Store) Add(hostname string, port int, keyType string, key []byte, confirm bool) bool {
	if confirm {
		if s.approve == nil {
			utils.Logger.Warn("host key addition requires confirmation but no approval callback is set",
				"host", hostname)
			return false
		}
		res := Result{
			Hostname:    hostname,
			Port:        port,
			KeyType:     keyType,
			Key:         key,
			Fingerprint: Fingerprint(key),
			Status:      StatusUnknown,
		}
		if !s.approve(res) {
			utils.Logger.Info("host key rejected by user", "host", hostname)
			return false
		}
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		utils.Logger.Error("failed to create known_hosts directory", "dir", dir, "err", err)
		return false
	}

	line := fmt.Sprintf("%s %s %s\n",
		lookupKey(hostname, port), keyType, base64.StdEncoding.EncodeToString(key))

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		utils.Logger.Error("failed to open known_hosts for writing", "path", s.path, "err", err)
		return false
	}
	_, werr := f.WriteString(line)
	cerr := f.Close()
	if werr != nil || cerr != nil {
		utils.Logger.Error("failed to write known_hosts entry", "path", s.path, "err", werr)
		return false
	}
	if err := os.Chmod(s.path, 0644); err != nil {
		utils.Logger.Warn("failed to set known_hosts permissions", "path", s.path, "err", err)
	}

	s.mu.Lock()
	if !s.loaded {
		s.loadLocked()
	}
	s.addLocked(lookupKey(hostname, port), hostKey{keyType: keyType, key: key})
	s.mu.Unlock()
	return true
}

// Remove 重写文件，删除主机名列表中包含目标键的行
// 注释和无关行原样保留；哈希化条目通过 HMAC 重算判断归属
// 返回是否有条目被删除
func (s *Store) Remove(hostname string, port int) bool {
	lookup := lookupKey(hostname, port)

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			utils.Logger.Error("failed to read known_hosts", "path", s.path, "err", err)
		}
		return false
	}

	var kept []string
	removed := false
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			kept = append(kept, line)
			continue
		}
		fields := strings.Fields(trimmed)
		if len(fields) < 3 {
			kept = append(kept, line)
			continue
		}
		match := false
		if strings.HasPrefix(fields[0], hashedMarker) {
			match = matchesHashed(fields[0], lookup)
		} else {
			for _, name := range strings.Split(fields[0], ",") {
				if name == lookup {
					match = true
					break
				}
			}
		}
		if match {
			removed = true
			continue
		}
		kept = append(kept, line)
	}
	if !removed {
		return false
	}

	out := strings.Join(kept, "\n")
	if err := os.WriteFile(s.path, []byte(out), 0644); err != nil {
		utils.Logger.Error("failed to rewrite known_hosts", "path", s.path, "err", err)
		return false
	}

	s.mu.Lock()
	s.loadLocked()
	s.mu.Unlock()
	return true
}

// FingerprintFor 返回主机第一把已存储密钥的 SHA-256 指纹
// 哈希化条目和明文条目同样命中；没有记录时返回空串和 false
func (s *Store) FingerprintFor(hostname string, port int) (string, bool) {
	s.mu.Lock()
	if !s.loaded {
		s.loadLocked()
	}
	s.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := s.candidatesLocked(lookupKey(hostname, port))
	if len(keys) == 0 {
		return "", false
	}
	return Fingerprint(keys[0].key), true
}

// List 返回库中所有主机键 (哈希化条目以原始 |1|... 形式出现)
func (s *Store) List() []string {
	s.mu.Lock()
	if !s.loaded {
		s.loadLocked()
	}
	s.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	hosts := make([]string, 0, len(s.entries))
	for k := range s.entries {
		hosts = append(hosts, k)
	}
	return hosts
}

// KeyTypes 返回主机已记录的密钥类型，供展示层使用
func (s *Store) KeyTypes(hostname string, port int) []string {
	s.mu.Lock()
	if !s.loaded {
		s.loadLocked()
	}
	s.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := s.candidatesLocked(lookupKey(hostname, port))
	types := make([]string, 0, len(keys))
	for _, hk := range keys {
		types = append(types, hk.keyType)
	}
	return types
}
