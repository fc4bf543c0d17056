package config

import (
	"context"
	"fmt"
	"slices"

	"github.com/shirou/gopsutil/v4/net"
)

// DefaultNetworkExcludePatterns 默认排除的网卡：回环与常见虚拟网卡
func DefaultNetworkExcludePatterns() []string {
	return []string{
		"^lo$",
		"^lo0$",
		"^docker.*",
		"^veth.*",
		"^br-.*",
		"^virbr.*",
		"^flannel.*",
		"^cni.*",
		"^tun\\d+$",
		"^utun\\d+$",
		"^awdl\\d+$",
		"^llw\\d+$",
		"^bridge\\d+$",
		"^gif\\d+$",
		"^stf\\d+$",
		"^Loopback.*",
		"^vEthernet.*",
	}
}

// ShouldExcludeInterface 判断网卡是否应被排除
// 配置了 Include 时只保留匹配白名单的网卡，否则按 Exclude（为空时用默认规则）排除
func (c *Config) ShouldExcludeInterface(name string) bool {
	include, err := compilePatterns(c.Network.Include)
	if err == nil && len(include) > 0 {
		for _, re := range include {
			if re.MatchString(name) {
				return false
			}
		}
		return true
	}

	patterns := c.Network.Exclude
	if len(patterns) == 0 {
		patterns = DefaultNetworkExcludePatterns()
	}
	exclude, err := compilePatterns(patterns)
	if err != nil {
		return name == "lo" || name == "lo0"
	}
	for _, re := range exclude {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// InterfaceLister 列出本机网卡
type InterfaceLister func(ctx context.Context) (net.InterfaceStatList, error)

// ResolveInterface 返回要监听的网卡，未配置时选择第一个处于 up 状态且有地址的网卡
func (c *Config) ResolveInterface(ctx context.Context, list InterfaceLister) (string, error) {
	if c.Network.Interface != "" {
		return c.Network.Interface, nil
	}
	if list == nil {
		list = net.InterfacesWithContext
	}

	interfaces, err := list(ctx)
	if err != nil {
		return "", fmt.Errorf("获取网卡列表失败: %w", err)
	}
	for _, iface := range interfaces {
		if c.ShouldExcludeInterface(iface.Name) {
			continue
		}
		if !slices.Contains(iface.Flags, "up") || slices.Contains(iface.Flags, "loopback") {
			continue
		}
		if len(iface.Addrs) == 0 {
			continue
		}
		return iface.Name, nil
	}
	return "", fmt.Errorf("没有可用的网卡")
}
