package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/azerzeki/mcp-reticle/internal/bus"
	"github.com/azerzeki/mcp-reticle/internal/control"
	"github.com/azerzeki/mcp-reticle/internal/recorder"
)

// newRunCmd run子命令：包裹一个stdio MCP服务器
func newRunCmd() *cobra.Command {
	var serverName string
	var record bool

	cmd := &cobra.Command{
		Use:   "run --name <n> -- <cmd> [args...]",
		Short: "包裹一个stdio MCP服务器并观测其流量",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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

			sessionID, err := controller.StartProxyStdio(ctx, args[0], args[1:], serverName, "")
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "session started: %s\n", sessionID)

			if record {
				if _, err := controller.StartRecording(""); err != nil {
					return err
				}
			}

			// 等待子进程结束或中断信号
			sub := controller.Bus().Subscribe()
			defer controller.Bus().Unsubscribe(sub)
			for {
				select {
				case <-ctx.Done():
					return controller.StopProxy()
				case ev, ok := <-sub.Events():
					if !ok {
						return nil
					}
					if ev.Type == bus.EventSessionEnd && ev.SessionID == sessionID {
						if record {
							_, _ = controller.StopRecording()
						}
						return nil
					}
				}
			}
		},
	}

	cmd.Flags().StringVar(&serverName, "name", "", "服务器名（用于多服务器过滤）")
	cmd.Flags().BoolVar(&record, "record", false, "启动即开始录制")
	return cmd
}

// startSink 可选的GUI事件出口
func startSink(ctx context.Context, b *bus.Bus) *bus.WSSink {
	if wsSinkURL == "" {
		return nil
	}
	sink := bus.NewWSSink(wsSinkURL, b)
	sink.Start(ctx)
	return sink
}
