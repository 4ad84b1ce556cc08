package ssh

import (
	"context"
	"net"

	"golang.org/x/crypto/ssh"
)

// SSHProxyDialer 实现了 Dialer 接口，通过 SSH 隧道转发流量
// clientHandle 内嵌它来充当下一跳的拨号器
type SSHProxyDialer struct {
	Client *ssh.Client
}

func (s *SSHProxyDialer) Dial(network, addr string) (net.Conn, error) {
	return s.Client.Dial(network, addr)
}

func (s *SSHProxyDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)

	go func() {
		conn, err := s.Client.Dial(network, addr)
		ch <- result{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.conn, res.err
	}
}
