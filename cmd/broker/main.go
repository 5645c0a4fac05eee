// Command broker runs the release-orchestration service: it receives
// operator commands and source-control events over HTTP and drives
// branch fan-out, pull-request lifecycle, merge propagation, and
// deployment-to-issue mapping across the configured repositories.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/inflection/broker/internal/broker"
	"github.com/inflection/broker/internal/config"
	"github.com/inflection/broker/internal/github"
	"github.com/inflection/broker/internal/jira"
	"github.com/inflection/broker/internal/teamcity"
	"github.com/inflection/broker/internal/telemetry"
	"github.com/inflection/broker/internal/webhook"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "broker",
		Short:         "Release orchestration across version control, issue tracking, and CI",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the webhook and command server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cfgPath)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the broker version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("broker", version)
		},
	})

	return root
}

func runServe(cfgPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(log)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if err := telemetry.Init(ctx, "broker", version); err != nil {
		log.Warn("telemetry init failed", "error", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(sctx)
	}()

	vcs := github.NewClient(cfg.GitHub.Token)
	if cfg.GitHub.APIURL != "" {
		vcs = vcs.WithBaseURL(cfg.GitHub.APIURL)
	}
	if cfg.GitHub.WebURL != "" {
		vcs = vcs.WithWebURL(cfg.GitHub.WebURL)
	}
	tracker := jira.NewTracker(jira.NewClient(cfg.Jira.URL, cfg.Jira.Username, cfg.Jira.APIToken), cfg.Fields)
	ci := teamcity.NewClient(cfg.TeamCity.URL, cfg.TeamCity.Username, cfg.TeamCity.Password)

	core := broker.New(cfg, vcs, tracker, ci, log)
	srv := webhook.NewServer(webhook.ServerConfig{
		Broker:        core,
		WebhookSecret: []byte(cfg.HTTP.WebhookSecret),
		CommandSecret: cfg.HTTP.CommandSecret,
		Log:           log,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.HTTP.Addr)
	}()
	log.Info("broker listening", "addr", cfg.HTTP.Addr, "version", version)

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: %w", err)
	}
}
