package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"example.com/NullTerm/cmd/utils"
	"example.com/NullTerm/pkg/hostkeys"
	sshx "example.com/NullTerm/pkg/ssh"
)

func NewCmdHostkey() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hostkey",
		Short: "管理known_hosts中的主机密钥",
		Long: `管理known_hosts中的主机密钥。
密钥文件位置为~/.nullterm/known_hosts,格式与OpenSSH兼容,
支持明文主机名和|1|开头的哈希主机名两种条目。`,
	}
	cmd.AddCommand(newCmdHostkeyList())
	cmd.AddCommand(newCmdHostkeyFingerprint())
	cmd.AddCommand(newCmdHostkeyRemove())
	cmd.AddCommand(newCmdHostkeyScan())
	return cmd
}

func newCmdHostkeyList() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "列出已保存的主机密钥",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := hostkeys.NewStore(utils.GetKnownHostsPath())
			if !store.Load() {
				return fmt.Errorf("无法读取known_hosts文件")
			}
			hosts := store.List()
			if len(hosts) == 0 {
				fmt.Println("known_hosts为空")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "主机\t密钥类型")
			for _, host := range hosts {
				// 条目键可能是 host、[host]:port 或 |1|... 三种形式
				h, port := hostkeys.SplitEntryKey(host)
				for _, kt := range store.KeyTypes(h, port) {
					fmt.Fprintf(w, "%s\t%s\n", host, kt)
				}
			}
			return w.Flush()
		},
	}
}

func newCmdHostkeyFingerprint() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint <host[:port]>",
		Short: "显示已保存密钥的SHA256指纹",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, port := parseHostArg(args[0])
			store := hostkeys.NewStore(utils.GetKnownHostsPath())
			fp, ok := store.FingerprintFor(host, port)
			if !ok {
				return fmt.Errorf("没有找到 %s:%d 的密钥", host, port)
			}
			fmt.Println(fp)
			return nil
		},
	}
}

func newCmdHostkeyRemove() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <host[:port]>",
		Short: "从known_hosts中删除主机密钥",
		Long: `从known_hosts中删除主机密钥。
哈希条目同样会被匹配并删除,主机密钥变更后需要先删除旧密钥才能重新连接。`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, port := parseHostArg(args[0])
			store := hostkeys.NewStore(utils.GetKnownHostsPath())
			if !store.Remove(host, port) {
				return fmt.Errorf("没有找到 %s:%d 的密钥", host, port)
			}
			fmt.Printf("已删除 %s:%d 的密钥\n", host, port)
			return nil
		},
	}
}

func newCmdHostkeyScan() *cobra.Command {
	var assumeYes bool
	cmd := &cobra.Command{
		Use:   "scan <host[:port]>",
		Short: "连接主机并保存其密钥",
		Long: `连接主机并把其密钥写入known_hosts。
交互环境下会显示指纹并要求确认,--yes可跳过确认。
只做密钥交换,不需要提供登录凭据。`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, port := parseHostArg(args[0])

			approval := utils.HostKeyApproval()
			if assumeYes {
				approval = func(r hostkeys.Result) bool {
					fmt.Printf("%s:%d %s 密钥指纹: %s\n", r.Hostname, r.Port, r.KeyType, r.Fingerprint)
					return true
				}
			}
			store := hostkeys.NewStore(utils.GetKnownHostsPath(), hostkeys.WithApproval(approval))
			transport := sshx.NewClientTransport(sshx.HostKeyCallback(store))

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			// 密钥交换在认证之前完成，认证失败不影响密钥落盘
			if h, err := transport.Connect(ctx, sshx.Target{Host: host, Port: port, User: "hostkey-scan"}, nil); err == nil {
				h.Close()
			}

			fp, ok := store.FingerprintFor(host, port)
			if !ok {
				return fmt.Errorf("未能获取 %s:%d 的密钥", host, port)
			}
			fmt.Printf("已保存 %s:%d 的密钥: %s\n", host, port, fp)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "跳过指纹确认")
	return cmd
}

func parseHostArg(arg string) (string, int) {
	host, p := utils.ParseHost(arg)
	port := int(p)
	if port == 0 {
		port = 22
	}
	return host, port
}

func init() {
	rootCmd.AddCommand(NewCmdHostkey())
}
