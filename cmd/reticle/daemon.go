package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/azerzeki/mcp-reticle/internal/control"
	"github.com/azerzeki/mcp-reticle/internal/daemon"
	"github.com/azerzeki/mcp-reticle/internal/recorder"
)

// newDaemonCmd daemon子命令：在unix套接字上暴露控制API
func newDaemonCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "daemon --socket <path>",
		Short: "以守护进程运行，通过unix域套接字暴露控制API",
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

			server := daemon.NewServer(controller, socketPath)
			return server.Listen(ctx)
		},
	}

	cmd.Flags().StringVar(&socketPath, "socket", "/tmp/reticle.sock", "unix域套接字路径")
	return cmd
}
