package main

import (
	"fmt"
	"log"
	"os"
	"runtime"

	"github.com/dushixiang/sentinel/internal/config"
	"github.com/dushixiang/sentinel/internal/daemon"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Version 构建时通过 -ldflags 注入
var Version = "dev"

var (
	configPath string
)

// rootCmd 根命令
var rootCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "Sentinel 安全事件引擎",
	Long:  `Sentinel 监管抓包、入侵检测与主动扫描进程，对输出逐行分类，并实时推送到仪表盘会话。`,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

// versionCmd 版本命令
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "显示版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Sentinel v%s\n", Version)
		fmt.Printf("OS: %s\n", runtime.GOOS)
		fmt.Printf("Arch: %s\n", runtime.GOARCH)
		fmt.Printf("Go Version: %s\n", runtime.Version())
	},
}

// runCmd 运行命令
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "前台运行",
	Long:  `启动 HTTP/WebSocket 服务并运行已启用的监控，收到中断信号后退出`,
	Run: func(cmd *cobra.Command, args []string) {
		mgr := loadManager()
		if err := mgr.Run(); err != nil {
			log.Fatalf("❌ 运行失败: %v", err)
		}
	},
}

// installCmd 安装服务命令
var installCmd = &cobra.Command{
	Use:   "install",
	Short: "安装为系统服务",
	Long:  `将 Sentinel 安装为系统服务（systemd/launchd），开机自动启动`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := loadManager().Install(); err != nil {
			log.Fatalf("❌ 安装服务失败: %v", err)
		}
		log.Println("✅ 服务安装成功")
		log.Println("   使用 'sentinel start' 启动服务")
	},
}

// uninstallCmd 卸载服务命令
var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "卸载系统服务",
	Run: func(cmd *cobra.Command, args []string) {
		if err := loadManager().Uninstall(); err != nil {
			log.Fatalf("❌ 卸载失败: %v", err)
		}
		log.Println("✅ 服务卸载成功")
	},
}

// startCmd 启动服务命令
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "启动服务",
	Run: func(cmd *cobra.Command, args []string) {
		if err := loadManager().Start(); err != nil {
			log.Fatalf("❌ 启动服务失败: %v", err)
		}
		log.Println("✅ 服务启动成功")
	},
}

// stopCmd 停止服务命令
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "停止服务",
	Run: func(cmd *cobra.Command, args []string) {
		if err := loadManager().Stop(); err != nil {
			log.Fatalf("❌ 停止服务失败: %v", err)
		}
		log.Println("✅ 服务停止成功")
	},
}

// restartCmd 重启服务命令
var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "重启服务",
	Run: func(cmd *cobra.Command, args []string) {
		if err := loadManager().Restart(); err != nil {
			log.Fatalf("❌ 重启服务失败: %v", err)
		}
		log.Println("✅ 服务重启成功")
	},
}

// statusCmd 查看服务状态命令
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "查看服务状态",
	Run: func(cmd *cobra.Command, args []string) {
		status, err := loadManager().Status()
		if err != nil {
			log.Printf("⚠️  获取服务状态失败: %v", err)
		}
		fmt.Println(status)
	},
}

// configCmd 配置命令
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "配置管理",
}

// configInitCmd 初始化配置命令
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "初始化配置文件",
	Long:  `创建默认配置文件，已存在时覆盖`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.DefaultConfig()
		if err := cfg.Save(afero.NewOsFs(), configPath); err != nil {
			log.Fatalf("❌ 保存配置文件失败: %v", err)
		}
		log.Printf("✅ 配置文件已创建: %s", configPath)
		log.Println("   请按需修改 network.interface 与 tools 中的工具路径")
	},
}

// configShowCmd 显示配置命令
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "显示当前配置",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		data, err := yaml.Marshal(cfg)
		if err != nil {
			log.Fatalf("❌ 序列化配置失败: %v", err)
		}
		fmt.Printf("# %s\n%s", cfg.Path, data)
	},
}

func init() {
	// 全局参数
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.GetDefaultConfigPath(), "配置文件路径")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(statusCmd)

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(afero.NewOsFs(), configPath)
	if err != nil {
		log.Fatalf("❌ 加载配置失败: %v", err)
	}
	return cfg
}

func loadManager() *daemon.ServiceManager {
	mgr, err := daemon.NewServiceManager(loadConfig())
	if err != nil {
		log.Fatalf("❌ 创建服务管理器失败: %v", err)
	}
	return mgr
}
