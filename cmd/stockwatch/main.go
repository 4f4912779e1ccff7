package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"stockwatch/internal/app"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags are shared by every client command.
type GlobalFlags struct {
	Addr    string
	Token   string
	Timeout time.Duration
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "stockwatch",
		Short: "Retail stock monitor with guarded auto-checkout",
		Long: `Stockwatch polls product pages on a jittered schedule, reports stock
changes and can put a product into the cart once it is back in stock.

Examples:
  stockwatch serve --config ./config.json
  stockwatch status
  stockwatch add-product --name "Console" --url https://shop.example/console --auto-checkout
  stockwatch emergency-stop --token $STOCKWATCH_TOKEN`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.Addr, "addr", envOr("STOCKWATCH_ADDR", "http://127.0.0.1:8080/api"), "control API base URL")
	root.PersistentFlags().StringVar(&flags.Token, "token", os.Getenv("STOCKWATCH_TOKEN"), "bearer token for mutating calls")
	root.PersistentFlags().DurationVar(&flags.Timeout, "timeout", 2*time.Minute, "request timeout")

	root.AddCommand(
		createServeCommand(),
		createStatusCommand(flags),
		createProductsCommand(flags),
		createForceCheckCommand(flags),
		createEmergencyStopCommand(flags),
		createAddProductCommand(flags),
		createRemoveProductCommand(flags),
	)
	return root
}

func createServeCommand() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the monitor and its control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cfgPath)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "./config.json", "path to config (JSON or YAML)")
	return cmd
}

func runServe(cfgPath string) error {
	a, err := app.NewApp(cfgPath)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := a.Start(context.Background()); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
