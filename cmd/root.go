package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"example.com/NullTerm/utils"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "nullterm [command] [flags]",
	Short: "nullterm是一个SSH连接管理工具,维护带主机密钥校验的长连接池",
	Long: `nullterm是一个SSH连接管理工具。
它维护一个带心跳保活和自动重连的SSH连接池,
所有连接都经过known_hosts主机密钥校验,支持跳板机隧道、
批量命令执行和并发文件传输。`,
	Run: func(cmd *cobra.Command, args []string) {
		versionFlag, _ := cmd.Flags().GetBool("version")
		if versionFlag {
			println("nullterm version 2026.08.24")
			os.Exit(0)
		}
		cmd.Help() // 显示帮助信息
		os.Exit(0)
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		debugFlag, _ := cmd.Flags().GetBool("debug")
		if debugFlag {
			utils.Logger.SetLogLevel("debug")
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().BoolP("version", "v", false, "显示版本信息")
	rootCmd.PersistentFlags().Bool("debug", false, "开启调试模式")
}
