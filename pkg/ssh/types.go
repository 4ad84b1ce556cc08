package ssh

import (
	"context"
	"net"
)

// Dialer 定义网络连接行为的接口
// 用于统一 "直连" 和 "通过已有 SSH 连接隧道转发" 两种拨号方式
type Dialer interface {
	Dial(network, addr string) (net.Conn, error)
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}
