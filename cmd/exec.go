package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"example.com/NullTerm/cmd/utils"
	"example.com/NullTerm/pkg/config"
	"example.com/NullTerm/pkg/pool"
	pkgutils "example.com/NullTerm/pkg/utils"
	logx "example.com/NullTerm/utils"
)

type ExecOptions struct {
	SshOptions
	Command   string
	Tag       string
	TaskCount int
}

func NewExecOptions() *ExecOptions {
	return &ExecOptions{
		SshOptions: *NewSshOptions(),
		TaskCount:  3,
	}
}

func NewCmdExec() *cobra.Command {
	o := NewExecOptions()
	cmd := &cobra.Command{
		Use:   "exec [flags] [command]",
		Short: "对一个或多个远程主机执行命令",
		Long: `对一个或多个远程主机执行命令,支持批量并行执行。
用法示例:
nullterm exec -H host1,host2 -c "uptime"
nullterm exec -t web -c "uptime"
nullterm exec user@host "df -h"

所有连接复用同一个连接池,同一主机的多条命令只建立一次连接。
使用 --tag 时会忽略其他主机指定方式。`,
		RunE: func(cmd *cobra.Command, args []string) error {
			o.Complete(cmd, args)
			if err := o.Validate(); err != nil {
				return err
			}
			return o.Run()
		},
	}

	cmd.Flags().StringVarP(&o.Host, "host", "H", "", "目标主机,多个主机用逗号分隔")
	cmd.Flags().Uint16VarP(&o.Port, "port", "P", 0, "SSH端口")
	cmd.Flags().StringVarP(&o.User, "user", "u", "", "SSH用户名")
	cmd.Flags().StringVarP(&o.Password, "password", "w", "", "SSH密码")
	cmd.Flags().StringVarP(&o.KeyFile, "key", "i", "", "SSH私钥文件路径")
	cmd.Flags().StringVarP(&o.KeyPass, "key_pass", "W", "", "SSH私钥密码")
	cmd.Flags().StringVarP(&o.JumpHost, "jump", "j", "", "跳板机地址[user@]host[:port]")
	cmd.Flags().StringVarP(&o.Command, "cmd", "c", "", "要执行的命令")
	cmd.Flags().StringVarP(&o.Tag, "tag", "t", "", "按分组(标签)执行")
	cmd.Flags().IntVar(&o.TaskCount, "task", 3, "并行执行的主机数")

	cmd.MarkFlagsMutuallyExclusive("password", "key")
	cmd.MarkFlagsMutuallyExclusive("host", "tag")
	return cmd
}

func (o *ExecOptions) Complete(cmd *cobra.Command, args []string) {
	o.args = args
	if len(args) == 0 {
		return
	}
	// tag 模式下 args 全部视为命令内容
	if o.Tag != "" {
		if o.Command == "" {
			o.Command = strings.Join(args, " ")
		}
		return
	}
	if o.Command == "" {
		// exec user@host "df -h" 形式
		if o.Host == "" && len(args) > 1 && strings.Contains(args[0], "@") {
			u, h, p := utils.ParseAddr(args[0])
			if h != "" {
				o.Host = h
				if o.User == "" {
					o.User = u
				}
				if o.Port == 0 {
					o.Port = p
				}
				o.Command = strings.Join(args[1:], " ")
				return
			}
		}
		o.Command = strings.Join(args, " ")
	}
}

func (o *ExecOptions) Validate() error {
	if o.Command == "" {
		return errors.New("未提供要执行的命令")
	}
	if o.Host == "" && o.Tag == "" {
		return errors.New("未提供目标主机或标签")
	}
	if o.User == "" {
		o.User = utils.GetCurrentUser()
	}
	if o.Port == 0 {
		o.Port = 22
	}
	if o.TaskCount <= 0 {
		o.TaskCount = 3
	}
	return nil
}

// targetNodes 解析本次执行涉及的全部节点ID
func (o *ExecOptions) targetNodes(provider config.ConfigProvider) ([]string, bool, error) {
	if o.Tag != "" {
		nodes := provider.GetNodesByTag(o.Tag)
		if len(nodes) == 0 {
			return nil, false, fmt.Errorf("标签 %s 下没有节点", o.Tag)
		}
		ids := make([]string, 0, len(nodes))
		for id := range nodes {
			ids = append(ids, id)
		}
		return ids, false, nil
	}

	var ids []string
	updated := false
	for _, host := range strings.Split(o.Host, ",") {
		host = strings.TrimSpace(host)
		if host == "" {
			continue
		}
		sub := o.SshOptions
		sub.Host = host
		nodeId, changed, err := sub.resolveNode(provider)
		if err != nil {
			return nil, updated, err
		}
		updated = updated || changed
		ids = append(ids, nodeId)
	}
	if len(ids) == 0 {
		return nil, updated, errors.New("未提供有效的目标主机")
	}
	return ids, updated, nil
}

func (o *ExecOptions) Run() error {
	provider, store, err := loadProvider()
	if err != nil {
		return err
	}
	nodeIds, updated, err := o.targetNodes(provider)
	if err != nil {
		return err
	}

	p := newPool()
	p.Start()
	defer p.Stop()

	ctx := context.Background()
	var outMu sync.Mutex
	failed := 0

	wp := pkgutils.NewWorkerPool(uint(o.TaskCount), pkgutils.WithPanicHandler(func(r any) {
		logx.Logger.Error("task panicked", "panic", r)
	}))
	for _, nodeId := range nodeIds {
		wp.Execute(func() {
			output, err := o.runOn(ctx, p, provider, nodeId)
			outMu.Lock()
			defer outMu.Unlock()
			fmt.Printf("==== %s ====\n", nodeId)
			if err != nil {
				failed++
				fmt.Fprintf(os.Stderr, "执行失败: %v\n", err)
				return
			}
			fmt.Println(strings.TrimRight(output, "\n"))
		})
	}
	wp.Wait()

	if updated {
		if err := store.Save(provider.Snapshot()); err != nil {
			return fmt.Errorf("保存配置文件失败: %v", err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d/%d 台主机执行失败", failed, len(nodeIds))
	}
	return nil
}

func (o *ExecOptions) runOn(ctx context.Context, p *pool.Pool, provider config.ConfigProvider, nodeId string) (string, error) {
	req, err := buildRequest(provider, nodeId)
	if err != nil {
		return "", err
	}
	rec, err := p.GetConnection(ctx, req)
	if err != nil {
		return "", err
	}
	if !rec.IsConnected() {
		return "", errors.New(rec.ErrorMessage())
	}
	return rec.Handle().Run(ctx, o.Command)
}

func init() {
	rootCmd.AddCommand(NewCmdExec())
}
