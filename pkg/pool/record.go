package pool

import (
	"fmt"
	"sync"
	"time"

	sshx "example.com/NullTerm/pkg/ssh"
)

// State 连接生命周期状态
type State int

const (
	// StateDisconnected 初始状态，也是显式关闭后的状态
	StateDisconnected State = iota
	// StateConnecting 正在建立连接
	StateConnecting
	// StateConnected 连接已建立且句柄有效
	StateConnected
	// StateReconnecting 失败后处于退避等待，即将重连
	StateReconnecting
	// StateError 连接失败，等待重试或人工干预
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	}
	return "invalid"
}

// ConnectionKey 构建连接的复合键: host:port:username
// 用户名为空时用 "default" 占位
func ConnectionKey(host string, port int, username string) string {
	if username == "" {
		username = "default"
	}
	return fmt.Sprintf("%s:%d:%s", host, port, username)
}

// Record 单个目标的连接状态
// 所有字段只允许连接池修改，外部调用方通过只读方法访问
// 断开的记录保留在池中以延续重试历史，只有 RemoveConnection 才删除
type Record struct {
	Key      string
	Host     string
	Port     int
	Username string

	// 凭据，敏感信息，不出现在任何日志和快照中
	password   string
	keyPath    string
	passphrase string

	// tunnelKey 引用作为跳板的另一条记录的键 (弱引用，不持有句柄)
	tunnelKey string

	mu           sync.Mutex
	state        State
	handle       sshx.Handle
	connectedAt  time.Time
	lastActivity time.Time
	lastPing     time.Time
	retryCount   int
	errMsg       string
}

// State 当前状态
func (r *Record) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// IsConnected 状态为 connected 且句柄存在才算活着
// 只看状态标志不足以证明连接可用
func (r *Record) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == StateConnected && r.handle != nil
}

// Handle 当前连接句柄，未连接时为 nil
func (r *Record) Handle() sshx.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handle
}

// Uptime 自连接建立起的时长，从未连接过时为 0
func (r *Record) Uptime() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connectedAt.IsZero() {
		return 0
	}
	return time.Since(r.connectedAt)
}

// ErrorMessage 最近一次失败的错误信息
func (r *Record) ErrorMessage() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errMsg
}

// RetryCount 当前重试计数
func (r *Record) RetryCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retryCount
}

// TunnelKey 跳板记录的键，没有跳板时为空串
func (r *Record) TunnelKey() string {
	return r.tunnelKey
}

// Touch 刷新活动时间戳，调用方每次复用连接时调用
func (r *Record) Touch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastActivity = time.Now()
}

func (r *Record) setState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
}

// markConnecting 进入 connecting 状态并清除上次的错误
func (r *Record) markConnecting() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StateConnecting
	r.errMsg = ""
}

// markConnected 记录成功：打时间戳、清零重试计数
func (r *Record) markConnected(h sshx.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.state = StateConnected
	r.handle = h
	r.connectedAt = now
	r.lastActivity = now
	r.lastPing = now
	r.retryCount = 0
}

// markError 记录失败：句柄清空、错误信息留给调用方检查
func (r *Record) markError(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StateError
	r.errMsg = msg
	r.handle = nil
}

func (r *Record) incRetry() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retryCount++
}

func (r *Record) resetRetry() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retryCount = 0
}

func (r *Record) lastActivityAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

func (r *Record) markPing() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastPing = time.Now()
}

// releaseHandle 取走句柄并进入 disconnected，由池负责实际关闭
func (r *Record) releaseHandle() sshx.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.handle
	r.handle = nil
	r.state = StateDisconnected
	return h
}

// Snapshot 供展示层消费的只读视图，不含凭据
type Snapshot struct {
	Key          string        `json:"key" yaml:"key"`
	Host         string        `json:"host" yaml:"host"`
	Port         int           `json:"port" yaml:"port"`
	Username     string        `json:"username" yaml:"username"`
	State        string        `json:"state" yaml:"state"`
	ConnectedAt  time.Time     `json:"connected_at,omitzero" yaml:"connected_at,omitempty"`
	LastActivity time.Time     `json:"last_activity,omitzero" yaml:"last_activity,omitempty"`
	LastPing     time.Time     `json:"last_ping,omitzero" yaml:"last_ping,omitempty"`
	Uptime       time.Duration `json:"uptime" yaml:"uptime"`
	RetryCount   int           `json:"retry_count" yaml:"retry_count"`
	Error        string        `json:"error,omitempty" yaml:"error,omitempty"`
	TunnelKey    string        `json:"tunnel_key,omitempty" yaml:"tunnel_key,omitempty"`
}

// Snapshot 生成当前时刻的只读视图
func (r *Record) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	var uptime time.Duration
	if !r.connectedAt.IsZero() {
		uptime = time.Since(r.connectedAt)
	}
	return Snapshot{
		Key:          r.Key,
		Host:         r.Host,
		Port:         r.Port,
		Username:     r.Username,
		State:        r.state.String(),
		ConnectedAt:  r.connectedAt,
		LastActivity: r.lastActivity,
		LastPing:     r.lastPing,
		Uptime:       uptime,
		RetryCount:   r.retryCount,
		Error:        r.errMsg,
		TunnelKey:    r.tunnelKey,
	}
}
