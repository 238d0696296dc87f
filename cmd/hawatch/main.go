// hawatch connects to Home Assistant and streams entity changes to stdout.
// Usage:
//
//	hawatch --url http://homeassistant.local:8123 light.kitchen sensor.outside_temp
//	hawatch --config configs/hasyncd.local.yaml
//	hawatch --call light.toggle light.kitchen
//
// The token is read from --token or HASS_TOKEN when no config file is given.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/rickgao/hasync"
	"github.com/rickgao/hasync/internal/config"
	"github.com/rickgao/hasync/internal/connection"
	"github.com/rickgao/hasync/internal/model"
)

func main() {
	flags := pflag.NewFlagSet("hawatch", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "path to config file (overrides --url/--token)")
	serverURL := flags.String("url", os.Getenv("HASS_URL"), "Home Assistant base URL")
	token := flags.String("token", os.Getenv("HASS_TOKEN"), "long-lived access token")
	verbose := flags.BoolP("verbose", "v", false, "print full state JSON")
	debug := flags.Bool("debug", false, "enable debug logging")
	call := flags.String("call", "", "call domain.service on the watched entities once connected")
	flags.Parse(os.Args[1:])

	level := slog.LevelWarn
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := loadConfig(*configPath, *serverURL, *token, flags.Args())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if len(cfg.Watch.Entities) == 0 {
		fmt.Fprintln(os.Stderr, "no entities to watch")
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	client, err := hasync.New(cfg, hasync.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create client", "error", err)
		os.Exit(1)
	}

	client.OnState(func(st connection.State) {
		fmt.Fprintf(os.Stderr, "[%s] connection %s\n", time.Now().Format("15:04:05.000"), st)
	})

	for _, id := range cfg.Watch.Entities {
		client.Watch(id, func(st model.EntityState) {
			printState(st, *verbose)
		})
	}

	if err := client.Start(ctx); err != nil {
		logger.Error("failed to start client", "error", err)
		os.Exit(1)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		client.Stop(stopCtx)
	}()

	if *call != "" {
		go callOnConnect(ctx, client, *call, cfg.Watch.Entities, logger)
	}

	<-ctx.Done()

	stats := client.Stats()
	fmt.Fprintf(os.Stderr, "entities=%d subscriptions=%d errors=%d\n",
		stats.Entities, stats.Subscriptions, stats.Errors)
}

func loadConfig(path, serverURL, token string, entities []string) (*config.Config, error) {
	var cfg *config.Config
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	} else {
		cfg = &config.Config{
			Server: config.ServerConfig{URL: serverURL},
			Auth:   config.AuthConfig{Mode: config.AuthModeToken, Token: token},
		}
	}
	if len(entities) > 0 {
		cfg.Watch.Entities = entities
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func printState(st model.EntityState, verbose bool) {
	ts := st.LastUpdated.Local().Format("15:04:05.000")
	if !verbose {
		fmt.Printf("[%s] %-40s %s\n", ts, st.EntityID, st.State)
		return
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		fmt.Printf("[%s] %s: marshal error: %v\n", ts, st.EntityID, err)
		return
	}
	fmt.Printf("[%s] %s\n%s\n", ts, st.EntityID, data)
}

// callOnConnect waits for the first connection and invokes service on ids.
func callOnConnect(ctx context.Context, client *hasync.Client, service string, ids []string, logger *slog.Logger) {
	domain, name, ok := strings.Cut(service, ".")
	if !ok || domain == "" || name == "" {
		logger.Error("invalid --call, want domain.service", "call", service)
		return
	}

	connected := make(chan struct{}, 1)
	cancelWatch := client.OnState(func(st connection.State) {
		if st.Connected() {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})
	defer cancelWatch()

	if !client.State().Connected() {
		select {
		case <-connected:
		case <-ctx.Done():
			return
		}
	}

	res, err := client.CallService(ctx, model.ServiceCall{
		Domain:  domain,
		Service: name,
		Target:  &model.Target{EntityID: ids},
	})
	if err != nil {
		logger.Error("service call failed", "call", service, "error", err)
		return
	}
	fmt.Fprintf(os.Stderr, "called %s: %s\n", service, res)
}
