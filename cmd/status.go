package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"example.com/NullTerm/utils"
)

type StatusOptions struct {
	Tag string
}

func NewCmdStatus() *cobra.Command {
	o := &StatusOptions{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "连接配置的节点并输出连接池状态",
		Long: `连接配置中的全部节点(或按标签筛选)并以yaml格式输出连接池状态。
输出包含每个连接的状态、重试次数、在线时长等信息,不包含任何凭据。
连接失败的节点会以error状态出现在输出里,命令本身不会因此失败。`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.Run()
		},
	}
	cmd.Flags().StringVarP(&o.Tag, "tag", "t", "", "只检查指定标签下的节点")
	return cmd
}

func (o *StatusOptions) Run() error {
	provider, _, err := loadProvider()
	if err != nil {
		return err
	}

	var nodes map[string]struct{}
	if o.Tag != "" {
		nodes = make(map[string]struct{})
		for id := range provider.GetNodesByTag(o.Tag) {
			nodes[id] = struct{}{}
		}
		if len(nodes) == 0 {
			return fmt.Errorf("标签 %s 下没有节点", o.Tag)
		}
	} else {
		nodes = make(map[string]struct{})
		for id := range provider.ListNodes() {
			nodes[id] = struct{}{}
		}
	}
	if len(nodes) == 0 {
		fmt.Println("没有已保存的节点")
		return nil
	}

	p := newPool()
	p.Start()
	defer p.Stop()

	ctx := context.Background()
	for nodeId := range nodes {
		req, err := buildRequest(provider, nodeId)
		if err != nil {
			utils.Logger.Warn("node check failed", "node", nodeId, "error", err)
			continue
		}
		// 连接失败会以error状态留在池里，出现在最终输出中
		if _, err := p.GetConnection(ctx, req); err != nil {
			utils.Logger.Warn("node check failed", "node", nodeId, "error", err)
		}
	}

	out, err := yaml.Marshal(p.Status())
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}

func init() {
	rootCmd.AddCommand(NewCmdStatus())
}
