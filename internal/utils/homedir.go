package utils

import (
	"os"
	"os/user"
)

// GetSafeHomeDir 获取家目录，依次尝试环境变量、系统用户数据库、/root 与当前目录
func GetSafeHomeDir() string {
	if h, err := os.UserHomeDir(); err == nil && h != "" {
		return h
	}
	if u, err := user.Current(); err == nil && u.HomeDir != "" {
		return u.HomeDir
	}
	// 以 root 运行但没有设置家目录（OpenWrt 等）
	if os.Getuid() == 0 {
		if _, err := os.Stat("/root"); err == nil {
			return "/root"
		}
	}
	if pwd, err := os.Getwd(); err == nil {
		return pwd
	}
	return "./"
}
