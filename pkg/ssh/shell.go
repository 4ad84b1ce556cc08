package ssh

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/term"
)

// Shell 在连接上启动交互式终端会话
// 本地终端切换为 raw 模式，会话结束或 ctx 取消时恢复
func (h *clientHandle) Shell(ctx context.Context) error {
	session, err := h.cli.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()

	fdIn := int(os.Stdin.Fd())
	fdOut := int(os.Stdout.Fd())

	oldState, err := term.MakeRaw(fdIn)
	if err != nil {
		return fmt.Errorf("无法设置终端为raw模式: %w", err)
	}
	defer term.Restore(fdIn, oldState)

	width, height, err := term.GetSize(fdOut)
	if err != nil {
		width, height = 80, 40
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,     // 启用回显
		ssh.TTY_OP_ISPEED: 14400, // 输入速度
		ssh.TTY_OP_OSPEED: 14400, // 输出速度
	}
	if err := session.RequestPty("xterm-256color", height, width, modes); err != nil {
		return fmt.Errorf("请求伪终端失败: %w", err)
	}

	session.Stdin = os.Stdin
	session.Stdout = os.Stdout
	session.Stderr = os.Stderr

	if err := session.Shell(); err != nil {
		return fmt.Errorf("无法启动shell: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		session.Close()
		return ctx.Err()
	}
}
