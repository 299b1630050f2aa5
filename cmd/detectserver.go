package cmd

import (
	"FaceAuthClient/engine"
	"FaceAuthClient/logger"
	"FaceAuthClient/monitor"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var listenAddr string

var detectServerCmd = &cobra.Command{
	Use:   "detect-server",
	Short: "Serve the local face detector over gRPC for kiosks using the grpc backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDetectServer(cmd)
	},
}

func init() {
	detectServerCmd.Flags().StringVar(&listenAddr, "listen", "", "override detector.listenAddr")
	rootCmd.AddCommand(detectServerCmd)
}

func runDetectServer(cmd *cobra.Command) error {
	if cfg.Detector.Backend == "grpc" {
		return errors.New("detect-server needs a local detector backend, not grpc")
	}
	addr := cfg.Detector.ListenAddr
	if listenAddr != "" {
		addr = listenAddr
	}
	log := logger.Log()
	det, err := loadLocalDetector(cfg.Detector, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := det.Close(); err != nil {
			log.Warn("closing detector", zap.Error(err))
		}
	}()

	ctx := cmd.Context()
	metrics := monitor.New()
	if cfg.Monitor.Enabled {
		go metrics.StartMon(ctx, time.Duration(cfg.Monitor.ProcessSampleMs)*time.Millisecond)
	}
	if cfg.Control.MetricsAddr != "" {
		go metrics.Serve(ctx, cfg.Control.MetricsAddr, log)
	}
	return engine.NewService(det, metrics, log).Serve(ctx, addr)
}
