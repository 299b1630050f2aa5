package cmd

import (
	"FaceAuthClient/flow"
	"FaceAuthClient/logger"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	deleteUsername string
	registerName   string
	registerRole   string
	flowTimeout    time.Duration
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in with the camera and print the recognized identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFlow(cmd.Context(), flow.Login, "", "", "")
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Verify the account owner's face, then delete the account",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFlow(cmd.Context(), flow.DeleteVerify, deleteUsername, "", "")
	},
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Capture a face and register a new account",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFlow(cmd.Context(), flow.Register, "", registerName, registerRole)
	},
}

func init() {
	for _, c := range []*cobra.Command{loginCmd, deleteCmd, registerCmd} {
		c.Flags().DurationVar(&flowTimeout, "timeout", 2*time.Minute, "give up when no terminal state is reached in time")
		rootCmd.AddCommand(c)
	}
	deleteCmd.Flags().StringVarP(&deleteUsername, "username", "u", "", "account to delete")
	_ = deleteCmd.MarkFlagRequired("username")
	registerCmd.Flags().StringVarP(&registerName, "name", "n", "", "name of the new account")
	registerCmd.Flags().StringVar(&registerRole, "role", "user", "role of the new account")
	_ = registerCmd.MarkFlagRequired("name")
}

type navigation chan string

func (n navigation) Navigate(dest string) {
	select {
	case n <- dest:
	default:
	}
}

// runFlow mounts one flow without the control server and presses the
// button itself as soon as the face is confident enough.
func runFlow(parent context.Context, mode flow.Mode, target, name, role string) error {
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

	ctx, cancel := context.WithTimeout(parent, flowTimeout)
	defer cancel()
	a.background(ctx)
	if addr := cfg.Control.MetricsAddr; addr != "" {
		go a.metrics.Serve(ctx, addr, log)
	}

	opts := a.options()
	opts.Mode = mode
	opts.TargetUsername = target
	nav := make(navigation, 1)
	f := a.newFlow(opts, nav)
	defer f.Close()
	if err := f.Start(ctx); err != nil {
		return err
	}

	readyBy := time.Now().Add(cfg.Camera.ReadyTimeout())
	ticker := time.NewTicker(cfg.Scheduler.Tick())
	defer ticker.Stop()
	for {
		select {
		case dest := <-nav:
			st := f.Status()
			fmt.Printf("%s succeeded: identity=%q role=%q destination=%s\n", mode, st.Identity, st.Role, dest)
			return nil
		case <-ctx.Done():
			return fmt.Errorf("%s did not finish: %w", mode, ctx.Err())
		case <-ticker.C:
		}

		st := f.Status()
		switch {
		case st.State == flow.Failed.String():
			return fmt.Errorf("%s failed: %s", mode, st.Error)
		case st.State == flow.Idle.String() && cfg.Camera.ReadyTimeoutS > 0 && time.Now().After(readyBy):
			return fmt.Errorf("camera produced no frames within %s", cfg.Camera.ReadyTimeout())
		case st.HasSucceeded, st.Loading, !st.IsConfidenceHigh:
			continue
		}
		err := f.Authenticate(ctx, name, role)
		switch {
		case err == nil:
			log.Info("attempt armed", zap.Float64("confidence", st.Confidence))
		case errors.Is(err, flow.ErrLowConfidence), errors.Is(err, flow.ErrBusy), errors.Is(err, flow.ErrNotReady):
		default:
			return err
		}
	}
}
