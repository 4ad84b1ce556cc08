package hostkeys

import (
	"crypto/sha256"
	"encoding/base64"
)

// Status 主机密钥验证结果状态
type Status int

const (
	// StatusUnknown 首次连接，known_hosts 中没有该主机的记录
	StatusUnknown Status = iota
	// StatusVerified 密钥与已存储的记录一致
	StatusVerified
	// StatusMismatch 主机有记录但密钥不一致，可能是中间人攻击
	StatusMismatch
	// StatusError 验证过程本身出错 (文件不可读等)
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "UNKNOWN"
	case StatusVerified:
		return "VERIFIED"
	case StatusMismatch:
		return "MISMATCH"
	case StatusError:
		return "ERROR"
	}
	return "INVALID"
}

// Result 一次验证调用的完整结果
// Fingerprint 总是由密钥字节派生，构造后不再修改
type Result struct {
	Hostname    string
	Port        int
	KeyType     string
	Key         []byte
	Fingerprint string
	Status      Status
	Message     string
}

// ApprovalFunc 在写入新密钥前征求确认
// 返回 false 表示拒绝信任该主机
type ApprovalFunc func(Result) bool

// Fingerprint 计算密钥的 SHA-256 指纹
// 输出格式与 OpenSSH 一致: SHA256:<base64 无填充>
func Fingerprint(key []byte) string {
	sum := sha256.Sum256(key)
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(sum[:])
}
