// cmd/serve.go
package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/hexedge/deskpilot/internal/config"
	"github.com/hexedge/deskpilot/internal/observability"
	"github.com/hexedge/deskpilot/internal/server"
	"github.com/hexedge/deskpilot/internal/session"
)

// newServeCmd creates and configures the `serve` command, which exposes the
// session manager over HTTP and websockets.
func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the deskpilot session server",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := viper.BindPFlag("server.listen", cmd.Flags().Lookup("listen")); err != nil {
				return err
			}
			return viper.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			loaded, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				return err
			}
			cfg = loaded

			manager := session.NewManager(cfg, logger)
			srv := server.New(cfg.Server, manager, logger)

			err = srv.Run(ctx)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if shutdownErr := manager.Shutdown(shutdownCtx); shutdownErr != nil {
				logger.Warn("Session manager shutdown incomplete", zap.Error(shutdownErr))
			}
			return err
		},
	}

	serveCmd.Flags().String("listen", "127.0.0.1:8321", "address for the session server to listen on")
	return serveCmd
}
