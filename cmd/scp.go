package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"example.com/NullTerm/cmd/utils"
	sftpx "example.com/NullTerm/pkg/sftp"
)

type ScpOptions struct {
	SshOptions
	maxTask   int
	maxThread int
	chunkSize int64

	source   string
	dest     string
	isUpload bool
}

func NewScpOptions() *ScpOptions {
	return &ScpOptions{
		SshOptions: *NewSshOptions(),
	}
}

func NewCmdScp() *cobra.Command {
	o := NewScpOptions()
	cmd := &cobra.Command{
		Use:   "scp [[user@]host:]source [[user@]host:]dest",
		Short: "在本地和远程主机之间传输文件",
		Long: `在本地和远程主机之间传输文件,支持目录递归和单文件多线程分块。
用法类似于Linux scp命令:
从本地复制到远程:
nullterm scp 本地路径 用户@主机:远程路径
从远程复制到本地:
nullterm scp 用户@主机:远程路径 本地路径
远程路径不要使用~符号,相对路径默认就是家目录
传输走连接池建立的SSH连接,支持跳板机隧道`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			o.Complete(cmd, args)
			if err := o.Validate(); err != nil {
				return fmt.Errorf("参数错误: %v", err)
			}
			return o.Run()
		},
	}
	cmd.Flags().IntVar(&o.maxTask, "task", 0, "同时传输的文件数")
	cmd.Flags().IntVar(&o.maxThread, "thread", 0, "单个文件的并发分块数")
	cmd.Flags().Int64Var(&o.chunkSize, "chunk", 0, "分块大小(字节)")
	cmd.Flags().StringVarP(&o.Password, "password", "w", "", "SSH密码")
	cmd.Flags().StringVarP(&o.KeyFile, "key", "i", "", "SSH私钥文件路径")
	cmd.Flags().StringVarP(&o.KeyPass, "key_pass", "W", "", "SSH私钥密码")
	cmd.Flags().StringVarP(&o.JumpHost, "jump", "j", "", "跳板机地址[user@]host[:port]")
	cmd.MarkFlagsMutuallyExclusive("password", "key")
	return cmd
}

// splitRemote 拆出 [user@]host: 前缀，返回 (地址, 路径, 是否远程)
func splitRemote(arg string) (string, string, bool) {
	idx := strings.Index(arg, ":")
	if idx <= 0 {
		return "", arg, false
	}
	// Windows 盘符 (C:\...) 不算远程地址
	if idx == 1 && len(arg) > 2 && (arg[2] == '\\' || arg[2] == '/') {
		return "", arg, false
	}
	return arg[:idx], arg[idx+1:], true
}

func (o *ScpOptions) Complete(cmd *cobra.Command, args []string) {
	o.args = args
}

func (o *ScpOptions) Validate() error {
	srcAddr, srcPath, srcRemote := splitRemote(o.args[0])
	dstAddr, dstPath, dstRemote := splitRemote(o.args[1])

	switch {
	case srcRemote && dstRemote:
		return errors.New("暂不支持远程到远程的传输")
	case !srcRemote && !dstRemote:
		return errors.New("源和目的中必须有一个是远程路径")
	case srcRemote:
		o.isUpload = false
		o.source, o.dest = srcPath, dstPath
		u, h, _ := utils.ParseAddr(srcAddr)
		o.Host = h
		if o.User == "" {
			o.User = u
		}
	default:
		o.isUpload = true
		o.source, o.dest = srcPath, dstPath
		u, h, _ := utils.ParseAddr(dstAddr)
		o.Host = h
		if o.User == "" {
			o.User = u
		}
	}
	if o.Host == "" {
		return errors.New("无效的主机地址")
	}
	if o.User == "" {
		o.User = utils.GetCurrentUser()
	}
	if o.Port == 0 {
		o.Port = 22
	}
	return nil
}

func (o *ScpOptions) Run() error {
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
	if updated {
		if err := store.Save(provider.Snapshot()); err != nil {
			return fmt.Errorf("保存配置文件失败: %v", err)
		}
	}

	src, ok := rec.Handle().(sftpx.ClientSource)
	if !ok {
		return errors.New("当前连接不支持SFTP传输")
	}
	client, err := sftpx.NewClient(src,
		sftpx.WithConcurrentFiles(o.maxTask),
		sftpx.WithThreadsPerFile(o.maxThread),
		sftpx.WithChunkSize(o.chunkSize))
	if err != nil {
		return err
	}
	defer client.Close()

	if o.isUpload {
		bar := o.uploadBar()
		defer bar.Finish()
		if err := client.Upload(ctx, o.source, o.dest, func(n int) { bar.Add(n) }); err != nil {
			return fmt.Errorf("上传失败: %v", err)
		}
	} else {
		bar := o.downloadBar(client)
		defer bar.Finish()
		if err := client.Download(ctx, o.source, o.dest, func(n int) { bar.Add(n) }); err != nil {
			return fmt.Errorf("下载失败: %v", err)
		}
	}
	fmt.Println()
	return nil
}

func (o *ScpOptions) uploadBar() *progressbar.ProgressBar {
	info, err := os.Stat(o.source)
	if err != nil || info.IsDir() {
		// 目录或大小未知时使用不定长进度条
		return progressbar.DefaultBytes(-1, "上传中")
	}
	return progressbar.DefaultBytes(info.Size(), "上传中")
}

func (o *ScpOptions) downloadBar(client *sftpx.Client) *progressbar.ProgressBar {
	size, isDir, err := client.Stat(o.source)
	if err != nil || isDir {
		return progressbar.DefaultBytes(-1, "下载中")
	}
	return progressbar.DefaultBytes(size, "下载中")
}

func init() {
	rootCmd.AddCommand(NewCmdScp())
}
