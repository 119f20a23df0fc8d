package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/azerzeki/mcp-reticle/internal/config"
	"github.com/azerzeki/mcp-reticle/internal/logger"
)

var (
	configPath string
	wsSinkURL  string
)

func main() {
	logger.InitLogger()

	root := &cobra.Command{
		Use:          "reticle",
		Short:        "MCP调试代理：透明拦截并录制客户端与服务器之间的JSON-RPC流量",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "配置文件路径")
	root.PersistentFlags().StringVar(&wsSinkURL, "ws-sink", "", "把事件流推送到观察端GUI的WebSocket地址")

	root.AddCommand(newRunCmd())
	root.AddCommand(newProxyCmd())
	root.AddCommand(newDaemonCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig 按--config加载配置
func loadConfig() (*config.Config, error) {
	opts := []config.ManagerOption{config.WithWatchEnabled(true)}
	if configPath != "" {
		opts = append(opts, config.WithConfigPath(configPath))
	}
	return config.NewManager(opts...).Load()
}
