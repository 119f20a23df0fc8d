package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/azerzeki/mcp-reticle/internal/control"
	"github.com/azerzeki/mcp-reticle/internal/recorder"
)

// newProxyCmd proxy子命令：包裹一个远程MCP服务器
func newProxyCmd() *cobra.Command {
	var serverName string
	var upstream string
	var listenPort int

	cmd := &cobra.Command{
		Use:   "proxy --name <n> --upstream <url> --listen <port>",
		Short: "代理一个远程MCP服务器（WebSocket/Streamable HTTP/SSE-legacy自动选择）",
		RunE: func(cmd *cobra.Command, args []string) error {
			if upstream == "" {
				return fmt.Errorf("--upstream is required")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := recorder.Open(cfg.DataDir)
			if err != nil {
				return err
			}
			defer store.Close()

			controller := control.New(cfg, store)
			defer controller.Close()

			sink := startSink(cmd.Context(), controller.Bus())
			if sink != nil {
				defer sink.Stop()
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			sessionID, err := controller.StartProxyRemote(ctx, upstream, listenPort, serverName, "")
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "session started: %s (listening on 127.0.0.1:%d)\n", sessionID, listenPort)

			<-ctx.Done()
			return controller.StopProxy()
		},
	}

	cmd.Flags().StringVar(&serverName, "name", "", "服务器名（用于多服务器过滤）")
	cmd.Flags().StringVar(&upstream, "upstream", "", "上游MCP服务器地址")
	cmd.Flags().IntVar(&listenPort, "listen", 0, "本地监听端口（0为自动分配）")
	return cmd
}
