package ssh

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"example.com/NullTerm/pkg/hostkeys"
	"example.com/NullTerm/utils"
	"golang.org/x/crypto/ssh"
)

// HostKeyCallback 将 hostkeys.Store 桥接为 x/crypto/ssh 的验证钩子
// VERIFIED 放行；UNKNOWN 走信任库的确认流程 (TOFU)；
// MISMATCH 无条件拒绝，绝不降级处理
func HostKeyCallback(store *hostkeys.Store) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		host, port := splitHostPort(hostname, remote)

		res := store.Verify(host, port, key.Type(), key.Marshal())
		switch res.Status {
		case hostkeys.StatusVerified:
			return nil
		case hostkeys.StatusUnknown:
			// 首次连接：征求确认后写入，拒绝则中断连接
			if store.Add(host, port, key.Type(), key.Marshal(), true) {
				utils.Logger.Info("new host key trusted",
					"host", host, "port", port, "fingerprint", res.Fingerprint)
				return nil
			}
			return fmt.Errorf("host key for %s not trusted (%s)", host, res.Fingerprint)
		case hostkeys.StatusMismatch:
			utils.Logger.Error("host key mismatch detected",
				"host", host, "port", port, "fingerprint", res.Fingerprint)
			return errors.New(res.Message)
		default:
			return fmt.Errorf("host key verification error for %s: %s", host, res.Message)
		}
	}
}

// splitHostPort 解析 x/crypto 回调传入的 host:port 地址
// 解析失败时退回远端地址，再不行就原样使用
func splitHostPort(hostname string, remote net.Addr) (string, int) {
	host, portStr, err := net.SplitHostPort(hostname)
	if err != nil && remote != nil {
		host, portStr, err = net.SplitHostPort(remote.String())
	}
	if err != nil {
		return hostname, 22
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port == 0 {
		port = 22
	}
	return host, port
}
