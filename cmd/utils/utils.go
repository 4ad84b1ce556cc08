package utils

import (
	"fmt"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/term"

	"example.com/NullTerm/global"
	"example.com/NullTerm/pkg/hostkeys"
)

const (
	ConfigFileName     = "config.yaml"
	ConfigKeyName      = "master.key"
	KnownHostsFileName = "known_hosts"
)

// ParseAddr 解析 user@host:port 格式的字符串
func ParseAddr(input string) (string, string, uint16) {
	var user, host string = "", ""
	var port uint16 = 0
	if atIndex := strings.Index(input, ":"); atIndex != -1 {
		port = ParsePort(input[atIndex+1:])
		input = input[:atIndex]
	}
	if atIndex := strings.Index(input, "@"); atIndex != -1 {
		user = strings.TrimSpace(input[:atIndex])
		input = input[atIndex+1:]
	}
	host = strings.TrimSpace(input)

	return user, host, port
}

// ParseHost 解析 host:port 格式的字符串
func ParseHost(input string) (string, uint16) {
	var port uint16 = 0
	if atIndex := strings.Index(input, ":"); atIndex != -1 {
		port = ParsePort(input[atIndex+1:])
		input = input[:atIndex]
	}
	return input, port
}

// ParsePort 解析端口字符串
// 如果输入为空字符串，则返回0
func ParsePort(input string) uint16 {
	if input == "" {
		return 0
	}
	port64, err := strconv.ParseUint(input, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(port64)
}

func GetCurrentUser() string {
	currentUser, err := user.Current()
	if err != nil {
		return ""
	}
	return currentUser.Username
}

// GetConfigFilePath 返回配置文件和密钥文件路径 (~/.nullterm/)
func GetConfigFilePath() (configPath, keyPath string) {
	user, err := user.Current()
	if err != nil {
		return "", ""
	}
	return filepath.Join(user.HomeDir, ".nullterm", ConfigFileName), filepath.Join(user.HomeDir, ".nullterm", ConfigKeyName)
}

// GetKnownHostsPath 返回 known_hosts 文件路径
func GetKnownHostsPath() string {
	user, err := user.Current()
	if err != nil {
		return ""
	}
	return filepath.Join(user.HomeDir, ".nullterm", KnownHostsFileName)
}

// ReadPasswordFromTerminal 从终端安全地读取密码
func ReadPasswordFromTerminal(prompt string) (string, error) {
	fmt.Print(prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println() // 打印换行符，因为 ReadPassword 不会打印换行符
	if err != nil {
		return "", err
	}
	return string(password), nil
}

// HostKeyApproval 返回交互式的主机密钥确认函数
// 非交互环境(管道/重定向)下直接拒绝未知主机
func HostKeyApproval() hostkeys.ApprovalFunc {
	return func(r hostkeys.Result) bool {
		if !global.IsTerminal {
			return false
		}
		fmt.Printf("主机 %s:%d 的真实性无法确认\n", r.Hostname, r.Port)
		fmt.Printf("%s 密钥指纹: %s\n", r.KeyType, r.Fingerprint)
		fmt.Print("是否信任该主机并继续连接? (yes/no): ")
		var answer string
		fmt.Scanln(&answer)
		answer = strings.ToLower(strings.TrimSpace(answer))
		return answer == "yes" || answer == "y"
	}
}
