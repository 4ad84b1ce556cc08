package ssh

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// Target 描述一次连接的目标和凭据
// Password/KeyPath 属于敏感信息，任何日志都不得输出
type Target struct {
	Host       string
	Port       int
	User       string
	Password   string
	KeyPath    string
	Passphrase string
	Timeout    time.Duration
}

// Addr 返回 host:port 形式的地址
func (t Target) Addr() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(t.Host, fmt.Sprintf("%d", port))
}

// Handle 一条已建立连接的抽象句柄
// 连接池只依赖这个接口，不感知底层 SSH 客户端库
type Handle interface {
	Dialer
	// Run 在远端执行命令并返回合并输出
	Run(ctx context.Context, cmd string) (string, error)
	// Ping 发送轻量心跳探测连接是否存活
	Ping(ctx context.Context) error
	// Close 关闭连接
	Close() error
	// WaitClosed 阻塞等待连接完全关闭或 ctx 取消
	WaitClosed(ctx context.Context) error
}

// Transport 建立连接的抽象能力
// via 不为 nil 时通过该句柄的隧道拨号 (跳板机)
type Transport interface {
	Connect(ctx context.Context, target Target, via Handle) (Handle, error)
}

// ClientTransport 基于 golang.org/x/crypto/ssh 的 Transport 实现
type ClientTransport struct {
	// HostKeyCallback 主机密钥验证钩子，nil 时拒绝所有连接
	HostKeyCallback ssh.HostKeyCallback
	// DialTimeout 底层 TCP 拨号超时
	DialTimeout time.Duration
}

// NewClientTransport 创建默认配置的 Transport
func NewClientTransport(hostKeyCallback ssh.HostKeyCallback) *ClientTransport {
	return &ClientTransport{
		HostKeyCallback: hostKeyCallback,
		DialTimeout:     10 * time.Second,
	}
}

// Connect 建立到目标的 SSH 连接
// 1. 确定拨号器 (直连或经 via 隧道)
// 2. 建立底层 TCP 连接
// 3. 在 ctx 控制下完成 SSH 握手
func (t *ClientTransport) Connect(ctx context.Context, target Target, via Handle) (Handle, error) {
	cfg, err := t.buildConfig(target)
	if err != nil {
		return nil, err
	}

	var dialer Dialer = &net.Dialer{Timeout: t.DialTimeout}
	if via != nil {
		dialer = via
	}

	addr := target.Addr()
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	// ssh.NewClientConn 不接受 Context，握手放进协程配合 select 实现取消
	type result struct {
		client *ssh.Client
		err    error
	}
	done := make(chan result, 1)
	go func() {
		ncc, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
		if err != nil {
			conn.Close()
			done <- result{nil, fmt.Errorf("ssh handshake failed for %s: %w", addr, err)}
			return
		}
		done <- result{ssh.NewClient(ncc, chans, reqs), nil}
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return newClientHandle(r.client), nil
	}
}

// buildConfig 根据 Target 的凭据构建 ssh.ClientConfig
func (t *ClientTransport) buildConfig(target Target) (*ssh.ClientConfig, error) {
	var methods []ssh.AuthMethod
	if target.Password != "" {
		m, err := (&PasswordAuth{Password: target.Password}).GetMethod()
		if err != nil {
			return nil, err
		}
		methods = append(methods, m)
	}
	if target.KeyPath != "" {
		m, err := (&KeyAuth{Path: target.KeyPath, Passphrase: target.Passphrase}).GetMethod()
		if err != nil {
			return nil, fmt.Errorf("failed to load key for %s: %w", target.Host, err)
		}
		methods = append(methods, m)
	}
	// 无凭据时仍然允许握手：密钥交换在认证之前完成，
	// 主机密钥扫描场景只需要走到这一步
	hostKeyCallback := t.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			return fmt.Errorf("no host key verification configured, refusing to connect to %s", hostname)
		}
	}

	timeout := target.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	return &ssh.ClientConfig{
		User:            target.User,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}
