package cmd

import (
	"FaceAuthClient/control"
	"FaceAuthClient/flow"
	iface "FaceAuthClient/interface"
	"FaceAuthClient/logger"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the kiosk control server; the page mounts flows over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command) error {
	log := logger.Log()
	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("shutdown", zap.Error(err))
		}
	}()

	ctx := cmd.Context()
	a.background(ctx)

	gin.SetMode(cfg.Control.Mode)
	factory := func(opts flow.Options, nav iface.Navigator) control.Flow {
		return a.newFlow(opts, nav)
	}
	manager := control.NewManager(factory, a.options(), a.store, cfg.Control.IdleTimeout(), log)
	defer manager.Close()

	srv := control.NewServer(manager, a.overlay, a.metrics.Handler(), log)
	return srv.Run(ctx, cfg.Control.Addr)
}
