package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"example.com/NullTerm/cmd/utils"
	"example.com/NullTerm/pkg/config"
	"example.com/NullTerm/pkg/models"
)

type SshOptions struct {
	Host     string
	Port     uint16
	User     string
	Password string
	KeyFile  string
	KeyPass  string
	Alias    string
	JumpHost string
	args     []string
}

func NewSshOptions() *SshOptions {
	return &SshOptions{}
}

func NewCmdSsh() *cobra.Command {
	o := NewSshOptions()
	cmd := &cobra.Command{
		Use:   "ssh [user@]host[:port]",
		Short: "通过SSH连接到指定主机",
		Long: `通过SSH连接到指定主机并提供交互式终端。
用法示例:
nullterm ssh user@host[:port]
nullterm ssh -H host -u user
用户和主机为必选参数,端口默认为22,一般不需要修改
通过flags提供主机和用户信息时会忽略参数提供的信息
如果未通过-w选项显式提供密码,将会从终端输入
成功登录过的主机信息会保存到配置文件,敏感字段加密存储
首次连接的主机会提示确认密钥指纹,确认后写入known_hosts`,
		RunE: func(cmd *cobra.Command, args []string) error {
			o.Complete(cmd, args)
			if err := o.Validate(); err != nil {
				return fmt.Errorf("参数错误: %v", err)
			}
			return o.Run()
		},
	}
	cmd.Flags().StringVarP(&o.Host, "host", "H", "", "目标主机/连接别名")
	cmd.Flags().Uint16VarP(&o.Port, "port", "P", 0, "SSH端口")
	cmd.Flags().StringVarP(&o.User, "user", "u", "", "SSH用户名")
	cmd.Flags().StringVarP(&o.Password, "password", "w", "", "SSH密码")
	cmd.Flags().StringVarP(&o.KeyFile, "key", "i", "", "SSH私钥文件路径")
	cmd.Flags().StringVarP(&o.KeyPass, "key_pass", "W", "", "SSH私钥密码")
	cmd.Flags().StringVarP(&o.JumpHost, "jump", "j", "", "跳板机地址[user@]host[:port]")
	cmd.Flags().StringVarP(&o.Alias, "alias", "a", "", "连接别名")
	cmd.MarkFlagsMutuallyExclusive("password", "key")
	return cmd
}

func (o *SshOptions) Complete(cmd *cobra.Command, args []string) {
	o.args = args
}

func (o *SshOptions) Validate() error {
	if len(o.args) > 1 {
		return fmt.Errorf("期望一个参数，但提供了 %d 个", len(o.args))
	}
	if len(o.args) == 0 && o.Host == "" {
		return fmt.Errorf("未提供主机地址")
	} else if len(o.args) == 1 {
		u, h, p := utils.ParseAddr(o.args[0])
		if h == "" && o.Host == "" {
			return fmt.Errorf("无效的主机地址")
		}
		if o.Host == "" {
			o.Host = h
		}
		if o.User == "" {
			o.User = u
		}
		if o.Port == 0 {
			o.Port = p
		}
	}
	if o.User == "" {
		o.User = utils.GetCurrentUser()
	}
	if o.Port == 0 {
		o.Port = 22
	}
	if strings.Contains(o.Alias, "@") || strings.Contains(o.Alias, ":") {
		return errors.New("别名中不可含有<@>或<:>符号!")
	}
	return nil
}

// resolveNode 查找或新建节点，返回节点ID及配置是否有变更
func (o *SshOptions) resolveNode(provider config.ConfigProvider) (string, bool, error) {
	if nodeId := provider.Find(o.Host); nodeId != "" {
		return nodeId, o.update(nodeId, provider), nil
	}
	if nodeId := provider.Find(fmt.Sprintf("%s@%s:%d", o.User, o.Host, o.Port)); nodeId != "" {
		return nodeId, o.update(nodeId, provider), nil
	}

	nodeId := fmt.Sprintf("%s@%s:%d", o.User, o.Host, o.Port)
	node := models.Node{
		HostRef:     fmt.Sprintf("%s:%d", o.Host, o.Port),
		IdentityRef: fmt.Sprintf("%s@%s", o.User, o.Host),
	}
	if o.JumpHost != "" {
		jumpId := provider.Find(o.JumpHost)
		if jumpId == "" {
			return "", false, fmt.Errorf("跳板机 %s 信息不存在,请先保存跳板机信息", o.JumpHost)
		}
		node.ProxyJump = jumpId
	}
	if o.Alias != "" {
		node.Alias = append(node.Alias, o.Alias)
	}

	identity := models.Identity{User: o.User}
	switch {
	case o.Password != "":
		identity.Password = o.Password
		identity.AuthType = "password"
	case o.KeyFile != "":
		identity.KeyPath = o.KeyFile
		identity.Passphrase = o.KeyPass
		identity.AuthType = "key"
	default:
		pass, err := utils.ReadPasswordFromTerminal("请输入密码: ")
		if err != nil {
			return "", false, err
		}
		identity.Password = pass
		identity.AuthType = "password"
	}

	provider.AddHost(node.HostRef, models.Host{Address: o.Host, Port: int(o.Port)})
	provider.AddIdentity(node.IdentityRef, identity)
	provider.AddNode(nodeId, node)
	return nodeId, true, nil
}

// update 用命令行参数覆盖已保存的节点信息
func (o *SshOptions) update(nodeId string, provider config.ConfigProvider) bool {
	nodeUpdated := false
	identityUpdated := false
	node, _ := provider.GetNode(nodeId)
	identity, _ := provider.GetIdentity(nodeId)

	if o.JumpHost != "" {
		jumpId := provider.Find(o.JumpHost)
		if jumpId != "" && jumpId != node.ProxyJump {
			node.ProxyJump = jumpId
			nodeUpdated = true
		}
	}
	if o.Alias != "" {
		node.Alias = append(node.Alias, o.Alias)
		nodeUpdated = true
	}
	if o.Password != "" {
		identity.Password = o.Password
		identity.AuthType = "password"
		identityUpdated = true
	} else if o.KeyFile != "" {
		identity.KeyPath = o.KeyFile
		identity.AuthType = "key"
		identityUpdated = true
	}
	if o.KeyPass != "" {
		identity.Passphrase = o.KeyPass
		identityUpdated = true
	}

	if nodeUpdated {
		provider.AddNode(nodeId, node)
	}
	if identityUpdated {
		provider.AddIdentity(node.IdentityRef, identity)
	}
	return nodeUpdated || identityUpdated
}

func (o *SshOptions) Run() error {
	provider, store, err := loadProvider()
	if err != nil {
		return err
	}

	nodeId, updated, err := o.resolveNode(provider)
	if err != nil {
		return err
	}
	req, err := buildRequest(provider, nodeId)
	if err != nil {
		return err
	}

	p := newPool()
	p.Start()
	defer p.Stop()

	ctx := context.Background()
	rec, err := p.GetConnection(ctx, req)
	if err != nil {
		return fmt.Errorf("连接失败: %v", err)
	}
	if !rec.IsConnected() {
		return fmt.Errorf("连接失败: %s", rec.ErrorMessage())
	}

	// 登录成功后立即保存配置，交互会话结束前就完成持久化
	if updated {
		if err := store.Save(provider.Snapshot()); err != nil {
			return fmt.Errorf("保存配置文件失败: %v", err)
		}
	}

	sh, ok := rec.Handle().(interface{ Shell(context.Context) error })
	if !ok {
		return errors.New("当前连接不支持交互式终端")
	}
	if err := sh.Shell(ctx); err != nil {
		return fmt.Errorf("启动交互式终端失败: %v", err)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(NewCmdSsh())
}
