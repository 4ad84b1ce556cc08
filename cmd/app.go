package cmd

import (
	"fmt"

	cmdutils "example.com/NullTerm/cmd/utils"
	"example.com/NullTerm/pkg/config"
	"example.com/NullTerm/pkg/crypto"
	"example.com/NullTerm/pkg/hostkeys"
	"example.com/NullTerm/pkg/pool"
	sshx "example.com/NullTerm/pkg/ssh"
	"example.com/NullTerm/utils"
)

// newConfigStore 打开配置存储，首次使用时自动生成加密密钥
func newConfigStore() (config.Store, error) {
	configPath, keyPath := cmdutils.GetConfigFilePath()
	if configPath == "" {
		return nil, fmt.Errorf("无法确定配置文件路径")
	}
	key, err := crypto.LoadOrGenerateKey(keyPath)
	if err != nil {
		return nil, fmt.Errorf("加载加密密钥失败: %w", err)
	}
	crypter, err := crypto.NewCrypter(key)
	if err != nil {
		return nil, err
	}
	return config.NewDefaultStore(configPath, crypter), nil
}

// loadProvider 加载配置并构建索引
func loadProvider() (*config.Provider, config.Store, error) {
	store, err := newConfigStore()
	if err != nil {
		return nil, nil, err
	}
	cfg, err := store.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("加载配置文件失败: %w", err)
	}
	return config.NewProvider(cfg), store, nil
}

// newHostKeyStore 打开 known_hosts 存储，带交互式确认
func newHostKeyStore() *hostkeys.Store {
	return hostkeys.NewStore(cmdutils.GetKnownHostsPath(),
		hostkeys.WithApproval(cmdutils.HostKeyApproval()))
}

// newPool 组装连接池：known_hosts 校验 -> SSH 传输层 -> 连接池
func newPool(opts ...pool.Option) *pool.Pool {
	store := newHostKeyStore()
	transport := sshx.NewClientTransport(sshx.HostKeyCallback(store))
	p := pool.New(transport, opts...)
	p.AddStateCallback(func(key string, state pool.State) {
		utils.Logger.Debug("connection state changed", "key", key, "state", state.String())
	})
	return p
}

// buildRequest 把配置中的节点解析为连接请求，包括跳板机链
func buildRequest(provider config.ConfigProvider, nodeId string) (pool.ConnectRequest, error) {
	var req pool.ConnectRequest

	node, ok := provider.GetNode(nodeId)
	if !ok {
		return req, fmt.Errorf("节点 %s 不存在", nodeId)
	}
	host, ok := provider.GetHost(nodeId)
	if !ok {
		return req, fmt.Errorf("节点 %s 的主机信息不存在", nodeId)
	}
	identity, ok := provider.GetIdentity(nodeId)
	if !ok {
		return req, fmt.Errorf("节点 %s 的认证信息不存在", nodeId)
	}

	req.Host = host.Address
	req.Port = host.Port
	req.Username = identity.User
	req.Password = identity.Password
	req.KeyPath = identity.KeyPath
	req.Passphrase = identity.Passphrase

	if node.ProxyJump != "" {
		jumpId := provider.Find(node.ProxyJump)
		if jumpId == "" {
			return req, fmt.Errorf("跳板机 %s 信息不存在,请先保存跳板机信息", node.ProxyJump)
		}
		jumpHost, ok := provider.GetHost(jumpId)
		if !ok {
			return req, fmt.Errorf("跳板机 %s 的主机信息不存在", node.ProxyJump)
		}
		jumpIdentity, _ := provider.GetIdentity(jumpId)
		req.TunnelHost = jumpHost.Address
		req.TunnelPort = jumpHost.Port
		req.TunnelUsername = jumpIdentity.User
	}
	return req, nil
}
