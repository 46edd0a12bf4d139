package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Rajchodisetti/swapfusion/internal/app"
	"github.com/Rajchodisetti/swapfusion/internal/config"
	"github.com/Rajchodisetti/swapfusion/internal/market"
	"github.com/Rajchodisetti/swapfusion/internal/observ"
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	var cfgPath string

	rootCmd := &cobra.Command{
		Use:   "swapfusion",
		Short: "Intraday perpetual-swap trading engine",
		Long: `swapfusion fuses technical, language-model and time-series forecasts into
sized, risk-gated orders on perpetual swaps within a daily trading window.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config/config.yaml", "Configuration file path")

	rootCmd.AddCommand(newRunCmd(&cfgPath))
	rootCmd.AddCommand(newReplayCmd(&cfgPath))
	rootCmd.AddCommand(newStatusCmd(&cfgPath))
	return rootCmd
}

// loadConfig reads .env, the YAML file and environment overrides, then sets
// up logging.
func loadConfig(path string, logOut io.Writer) (config.Root, error) {
	_ = godotenv.Load()
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	app.ApplyEnv(&cfg)
	if err := observ.SetupLogging(cfg.Logging.Level, cfg.Logging.Format, logOut); err != nil {
		return cfg, fmt.Errorf("logging: %w", err)
	}
	return cfg, nil
}

func newRunCmd(cfgPath *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the live paper-trading session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath, os.Stdout)
			if err != nil {
				return err
			}
			if cfg.Market.BaseURL == "" {
				return errors.New("market.base_url is required for a live run; use replay for recorded prices")
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.Build(ctx, cfg, app.Options{})
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					observ.Warn("close_failed", map[string]any{"err": err})
				}
			}()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return a.Scheduler.Run(gctx) })
			g.Go(func() error { return a.Serve(gctx, cfg.HTTP.Addr) })
			err = g.Wait()
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			observ.Log("engine_stopped", map[string]any{"err": err})
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides http.addr)")
	return cmd
}

func newReplayCmd(cfgPath *string) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Run a full session over recorded prices on a virtual clock",
		Long: `Replay reads a CSV of time,instrument,price[,volume] rows and steps the
session scheduler once per tick interval. The summary is printed as JSON.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath, os.Stderr)
			if err != nil {
				return err
			}
			if file == "" {
				file = cfg.Paper.ReplayPath
			}
			if file == "" {
				return errors.New("no replay file: pass --file or set paper.replay_path")
			}
			feed, err := market.LoadReplay(file)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			sum, err := app.Replay(ctx, cfg, feed)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(sum)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Replay CSV (defaults to paper.replay_path)")
	return cmd
}

func newStatusCmd(cfgPath *string) *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the status snapshot of a running engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" {
				cfg, err := loadConfig(*cfgPath, os.Stderr)
				if err != nil {
					return err
				}
				url = "http://" + localAddr(cfg.HTTP.Addr) + "/status"
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("engine not reachable at %s: %w", url, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("status request failed: %s", resp.Status)
			}
			_, err = io.Copy(cmd.OutOrStdout(), resp.Body)
			return err
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "Status endpoint (defaults to http.addr from the config)")
	return cmd
}

func localAddr(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "localhost" + addr
	}
	return addr
}
