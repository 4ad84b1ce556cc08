package config

import (
	"fmt"
	"slices"

	"example.com/NullTerm/pkg/models"
	"example.com/NullTerm/pkg/utils/concurrent"
)

type Provider struct {
	identities  *concurrent.Map[string, models.Identity]
	hosts       *concurrent.Map[string, models.Host]
	nodes       *concurrent.Map[string, models.Node]
	lookupIndex *concurrent.Map[string, string]
}

// NewProvider 从 Configuration 构建内存索引
// yaml 解码得到的原生 map 不参与后续并发访问
func NewProvider(cfg *Configuration) *Provider {
	provider := &Provider{
		identities:  concurrent.NewMap[string, models.Identity](concurrent.HashString),
		hosts:       concurrent.NewMap[string, models.Host](concurrent.HashString),
		nodes:       concurrent.NewMap[string, models.Node](concurrent.HashString),
		lookupIndex: concurrent.NewMap[string, string](concurrent.HashString),
	}
	for name, identity := range cfg.Identities {
		provider.identities.Set(name, identity)
	}
	for name, host := range cfg.Hosts {
		provider.hosts.Set(name, host)
	}
	for name, node := range cfg.Nodes {
		provider.nodes.Set(name, node)
	}
	for _, name := range provider.nodes.Keys() {
		provider.index(name)
	}
	return provider
}

// index 将节点及其所有标识符(用户名@地址:端口 / 别名 / ID)加入索引
func (cp *Provider) index(nodeId string) {
	node, ok := cp.GetNode(nodeId)
	if !ok {
		return
	}
	identity, ok := cp.GetIdentity(nodeId)
	if !ok {
		return
	}
	host, ok := cp.GetHost(nodeId)
	if !ok {
		return
	}
	cp.lookupIndex.Set(nodeId, nodeId)
	user := identity.User
	if user != "" {
		cp.lookupIndex.Set(fmt.Sprintf("%s@%s:%d", user, host.Address, host.Port), nodeId)
		for _, addr := range host.Alias {
			if addr == "" {
				continue
			}
			cp.lookupIndex.Set(fmt.Sprintf("%s@%s:%d", user, addr, host.Port), nodeId)
		}
	}
	for _, alias := range node.Alias {
		if alias == "" {
			continue
		}
		cp.lookupIndex.Set(alias, nodeId)
	}
}

// Find 匹配用户输入，未命中返回空字符串
func (cp *Provider) Find(input string) string {
	if nodeId, ok := cp.lookupIndex.Get(input); ok {
		return nodeId
	}
	return ""
}

func (cp *Provider) GetNode(nodeId string) (models.Node, bool) {
	return cp.nodes.Get(nodeId)
}

func (cp *Provider) GetHost(nodeId string) (models.Host, bool) {
	if node, ok := cp.nodes.Get(nodeId); ok {
		return cp.hosts.Get(node.HostRef)
	}
	return models.Host{}, false
}

func (cp *Provider) GetIdentity(nodeId string) (models.Identity, bool) {
	if node, ok := cp.nodes.Get(nodeId); ok {
		return cp.identities.Get(node.IdentityRef)
	}
	return models.Identity{}, false
}

func (cp *Provider) AddNode(nodeId string, node models.Node) {
	cp.nodes.Set(nodeId, node)
	cp.index(nodeId)
}

func (cp *Provider) AddHost(hostId string, host models.Host) {
	cp.hosts.Set(hostId, host)
}

func (cp *Provider) AddIdentity(identityId string, identity models.Identity) {
	cp.identities.Set(identityId, identity)
}

func (cp *Provider) DeleteNode(nodeId string) {
	if _, ok := cp.nodes.Get(nodeId); !ok {
		return
	}
	// Host 和 Identity 可能被多个 Node 引用，不做级联删除
	cp.nodes.Remove(nodeId)
	for _, key := range cp.lookupIndex.Keys() {
		if val, ok := cp.lookupIndex.Get(key); ok && val == nodeId {
			cp.lookupIndex.Remove(key)
		}
	}
}

func (cp *Provider) ListNodes() map[string]models.Node {
	nodes := make(map[string]models.Node)
	cp.nodes.IterCb(func(k string, v models.Node) bool {
		nodes[k] = v
		return true
	})
	return nodes
}

// FilterNodes 按名称精确匹配或任意标签命中筛选节点
// 空过滤器返回空集
func (cp *Provider) FilterNodes(filter models.NodeFilter) map[string]models.Node {
	nodes := make(map[string]models.Node)
	cp.nodes.IterCb(func(k string, v models.Node) bool {
		if slices.Contains(filter.Names, k) {
			nodes[k] = v
			return true
		}
		for _, tag := range filter.Tags {
			if slices.Contains(v.Tags, tag) {
				nodes[k] = v
				return true
			}
		}
		return true
	})
	return nodes
}

// GetNodesByTag 返回包含指定 Tag 的所有节点
func (cp *Provider) GetNodesByTag(tag string) map[string]models.Node {
	return cp.FilterNodes(models.NodeFilter{Tags: []string{tag}})
}

// Snapshot 导出当前内存状态
func (cp *Provider) Snapshot() *Configuration {
	cfg := emptyConfiguration()
	cp.identities.IterCb(func(k string, v models.Identity) bool {
		cfg.Identities[k] = v
		return true
	})
	cp.hosts.IterCb(func(k string, v models.Host) bool {
		cfg.Hosts[k] = v
		return true
	})
	cp.nodes.IterCb(func(k string, v models.Node) bool {
		cfg.Nodes[k] = v
		return true
	})
	return cfg
}
