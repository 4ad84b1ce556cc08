package config

import (
	"example.com/NullTerm/pkg/models"
)

// Configuration 对应 yaml 文件的顶层结构
type Configuration struct {
	Identities map[string]models.Identity `yaml:"identities"`
	Hosts      map[string]models.Host     `yaml:"hosts"`
	Nodes      map[string]models.Node     `yaml:"nodes"`
}

// ConfigProvider 定义上层获取配置数据的接口
type ConfigProvider interface {
	GetNode(name string) (models.Node, bool)
	GetHost(name string) (models.Host, bool)
	GetIdentity(name string) (models.Identity, bool)
	AddHost(name string, host models.Host)
	AddIdentity(name string, identity models.Identity)
	AddNode(name string, node models.Node)
	DeleteNode(name string)
	ListNodes() map[string]models.Node
	GetNodesByTag(tag string) map[string]models.Node
	Find(input string) string
	// Snapshot 导出当前内存状态，用于持久化
	Snapshot() *Configuration
}
