package ssh

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"
)

// keepAliveRequest OpenSSH 标准的心跳请求类型
const keepAliveRequest = "keepalive@openssh.com"

// clientHandle 包装 *ssh.Client 以实现 Handle 接口
// 内嵌 SSHProxyDialer 实现 Dialer，可作为下一跳连接的隧道
type clientHandle struct {
	SSHProxyDialer
	cli *ssh.Client
}

func newClientHandle(cli *ssh.Client) *clientHandle {
	return &clientHandle{
		SSHProxyDialer: SSHProxyDialer{Client: cli},
		cli:            cli,
	}
}

// SSHClient 暴露底层的 ssh.Client (供高级操作使用，如 SFTP)
func (h *clientHandle) SSHClient() *ssh.Client {
	return h.cli
}

// Run 在远端执行命令，返回合并的 stdout/stderr
func (h *clientHandle) Run(ctx context.Context, cmd string) (string, error) {
	session, err := h.cli.NewSession()
	if err != nil {
		return "", err
	}
	defer session.Close()

	var b bytes.Buffer
	session.Stdout = &b
	session.Stderr = &b

	if err := session.Start(cmd); err != nil {
		return "", fmt.Errorf("failed to start command: %w", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			return b.String(), fmt.Errorf("failed to run command: %w, output: %s", err, b.String())
		}
		return b.String(), nil
	case <-ctx.Done():
		if killErr := session.Signal(ssh.SIGKILL); killErr != nil {
			return b.String(), fmt.Errorf("failed to kill command after context done: %w", killErr)
		}
		return b.String(), ctx.Err()
	}
}

// Ping 发送心跳请求探测连接存活
// wantReply = true: 要求服务器回复，连接已断时 SendRequest 会报错
func (h *clientHandle) Ping(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		_, _, err := h.cli.SendRequest(keepAliveRequest, true, nil)
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *clientHandle) Close() error {
	return h.cli.Close()
}

// WaitClosed 等待底层连接完全关闭
// 给优雅关闭留一个有界的等待窗口，ctx 超时或取消时提前返回
func (h *clientHandle) WaitClosed(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- h.cli.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartKeepAlive 开启一个协程，定期向 SSH Server 发送心跳
// 心跳失败时关闭连接并触发回调，供不经过连接池的单次会话使用
func StartKeepAlive(h Handle, interval time.Duration, fallback func(err error)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for range ticker.C {
			if err := h.Ping(context.Background()); err != nil {
				h.Close()
				if fallback != nil {
					fallback(err)
				}
				return
			}
		}
	}()
}
