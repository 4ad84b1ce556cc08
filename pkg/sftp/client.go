package sftp

import (
	"fmt"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// ClientSource 提供底层的 ssh 连接，连接池中的句柄实现了该接口
type ClientSource interface {
	SSHClient() *ssh.Client
}

// Option 定义配置函数的类型
type Option func(*Client)

func WithConcurrentFiles(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.config.ConcurrentFiles = n
		}
	}
}

func WithThreadsPerFile(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.config.ThreadsPerFile = n
		}
	}
}

func WithChunkSize(size int64) Option {
	return func(c *Client) {
		if size > 0 {
			c.config.ChunkSize = size
		}
	}
}

// Client 包装了 sftp.Client
// 不持有底层 ssh 连接的所有权，Close 只关闭 SFTP 会话
type Client struct {
	sftpClient *sftp.Client
	config     TransferConfig
}

// NewClient 基于现有的 SSH 连接创建一个 SFTP 客户端
// 复用已经建立好的连接 (包括跳板机隧道)
func NewClient(src ClientSource, opts ...Option) (*Client, error) {
	// sftp.NewClient 会在 ssh 连接上打开一个新的 Subsystem
	client, err := sftp.NewClient(src.SSHClient())
	if err != nil {
		return nil, fmt.Errorf("failed to create sftp subsystem: %w", err)
	}
	c := &Client{
		sftpClient: client,
		config:     DefaultConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SFTPClient 返回底层的 *sftp.Client 对象，
// 允许调用者执行 rename, chmod, stat, symlink 等高级操作。
func (c *Client) SFTPClient() *sftp.Client {
	return c.sftpClient
}

// Close 关闭 SFTP 会话，底层 SSH 连接仍归连接池管理
func (c *Client) Close() error {
	return c.sftpClient.Close()
}

// Cwd 获取远程当前工作目录
func (c *Client) Cwd() (string, error) {
	return c.sftpClient.Getwd()
}

// JoinPath 处理远程路径拼接 (SFTP 协议强制使用 forward slash)
func (c *Client) JoinPath(elem ...string) string {
	return c.sftpClient.Join(elem...)
}

// Stat 获取远程文件信息
func (c *Client) Stat(path string) (int64, bool, error) {
	info, err := c.sftpClient.Stat(path)
	if err != nil {
		return 0, false, err
	}
	return info.Size(), info.IsDir(), nil
}
