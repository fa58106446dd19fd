package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/angelmondragon/civicreport-sync/internal/bridge"
	"github.com/angelmondragon/civicreport-sync/internal/replay"
	"github.com/angelmondragon/civicreport-sync/pkg/config"
	"github.com/angelmondragon/civicreport-sync/pkg/instance"
	"github.com/angelmondragon/civicreport-sync/pkg/logger"
)

const usage = `usage: syncctl <command>

commands:
  sync     ask a replay agent to run one cycle and print the summary
  status   print active foreground contexts and whether a config is pushed`

func main() {
	_ = godotenv.Load()
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logg := logger.New(logger.Options{
		ServiceName: "syncctl",
		Level:       zerolog.WarnLevel,
		Output:      os.Stderr,
	})

	ctx := context.Background()
	b, redisClient, err := bridge.Open(ctx, cfg, logg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open bridge: %v\n", err)
		os.Exit(1)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	var runErr error
	switch os.Args[1] {
	case "sync":
		runErr = runSync(ctx, os.Stdout, b, cfg.Bridge.SyncTimeout)
	case "status":
		runErr = runStatus(ctx, os.Stdout, b)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "syncctl %s: %v\n", os.Args[1], runErr)
		os.Exit(1)
	}
}

type syncRequester interface {
	RequestSync(ctx context.Context, req bridge.SyncRequest, timeout time.Duration) (bridge.SyncResponse, error)
}

func runSync(ctx context.Context, out io.Writer, b syncRequester, timeout time.Duration) error {
	resp, err := b.RequestSync(ctx, bridge.SyncRequest{RequestedBy: "syncctl@" + instance.GetID()}, timeout)
	if err != nil {
		if errors.Is(err, bridge.ErrNoResponder) {
			return fmt.Errorf("no replay agent is running: %w", err)
		}
		return err
	}
	if err := writeJSON(out, resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return errors.New(resp.Error)
	}
	return nil
}

type statusReport struct {
	ActiveContexts []string `json:"active_contexts"`
	ConfigPushed   bool     `json:"config_pushed"`
	ConfigEndpoint string   `json:"config_endpoint,omitempty"`
	HasAccessToken bool     `json:"has_access_token"`
}

func runStatus(ctx context.Context, out io.Writer, b bridge.Bridge) error {
	active, err := b.ActiveContexts(ctx)
	if err != nil {
		return fmt.Errorf("read presence: %w", err)
	}
	if active == nil {
		active = []string{}
	}
	report := statusReport{ActiveContexts: active}

	cfg, err := b.LoadConfig(ctx)
	switch {
	case errors.Is(err, replay.ErrNoConfig):
	case err != nil:
		return fmt.Errorf("read config: %w", err)
	default:
		report.ConfigPushed = true
		report.ConfigEndpoint = cfg.Endpoint
		report.HasAccessToken = cfg.AccessToken != ""
	}
	return writeJSON(out, report)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
