package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/courier/internal/channel"
	"github.com/zulandar/courier/internal/channel/discord"
	"github.com/zulandar/courier/internal/channel/slack"
	"github.com/zulandar/courier/internal/config"
	"github.com/zulandar/courier/internal/connmode"
	"github.com/zulandar/courier/internal/db"
	"github.com/zulandar/courier/internal/digest"
	"github.com/zulandar/courier/internal/dispatch"
	"github.com/zulandar/courier/internal/gateway"
	"github.com/zulandar/courier/internal/genai"
	"github.com/zulandar/courier/internal/genai/anthropic"
	"github.com/zulandar/courier/internal/ingest"
	"github.com/zulandar/courier/internal/media"
	"github.com/zulandar/courier/internal/notify"
	"github.com/zulandar/courier/internal/render"
	"github.com/zulandar/courier/internal/rotator"
	"github.com/zulandar/courier/internal/validate"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway, dispatcher and channel connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.OutOrStdout(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "courier.yaml", "path to Courier config file")
	return cmd
}

func runServe(out io.Writer, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	gdb, err := db.Connect(cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gdb); err != nil {
		return err
	}
	if err := db.SeedChannels(gdb, cfg.Channels); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := channel.NewRegistry()
	connectChannels(ctx, cfg.Channels, registry)

	hub := notify.NewHub()
	store, err := media.NewStore(cfg.Media.Dir)
	if err != nil {
		return err
	}
	normalizer, err := ingest.NewNormalizer(ingest.NormalizerOpts{DB: gdb, Media: store, Hub: hub})
	if err != nil {
		return err
	}
	modes, err := connmode.NewManager(connmode.Opts{DB: gdb, Registry: registry, Handler: normalizer})
	if err != nil {
		return err
	}
	defer modes.Close()
	applyConfiguredModes(ctx, cfg.Channels, modes)

	var gen genai.Generator
	if cfg.GenAI.APIKey != "" {
		provider, err := anthropic.NewProvider(cfg.GenAI.APIKey, cfg.GenAI.Model)
		if err != nil {
			return err
		}
		gen = provider
	} else {
		log.Printf("serve: no genai api key configured, generated parts will fail")
	}

	dispatcher, err := dispatch.New(dispatch.Opts{
		DB:        gdb,
		Registry:  registry,
		Rotator:   rotator.New(registry),
		Renderer:  render.New(gen),
		Validator: validate.New(),
		Hub:       hub,
		Tick:      time.Duration(cfg.Dispatcher.TickIntervalSec) * time.Second,
	})
	if err != nil {
		return err
	}
	go dispatcher.Run(ctx)

	if cfg.Digest.Enabled {
		sched, err := digest.NewScheduler(digest.Opts{DB: gdb, Hub: hub, Cron: cfg.Digest.Cron})
		if err != nil {
			return err
		}
		go sched.Run(ctx)
	}

	return gateway.Start(ctx, gateway.StartOpts{
		DB:         gdb,
		Registry:   registry,
		Modes:      modes,
		Normalizer: normalizer,
		Hub:        hub,
		Port:       cfg.Server.Port,
		Out:        out,
	})
}

// connectChannels builds and connects an adapter per configured channel.
// A failed connection leaves the instance registered but disconnected; the
// dispatcher skips it until it comes up.
func connectChannels(ctx context.Context, channels []config.ChannelConfig, registry *channel.Registry) {
	for _, cc := range channels {
		adapter, err := buildAdapter(cc)
		if err != nil {
			log.Printf("serve: channel %s: %v", cc.Name, err)
			continue
		}
		if err := connect(ctx, adapter); err != nil {
			log.Printf("serve: channel %s: connect: %v", cc.Name, err)
		}
		registry.Register(adapter)
	}
}

// connectable is implemented by adapters that establish a session up
// front.
type connectable interface {
	Connect(ctx context.Context) error
}

func connect(ctx context.Context, adapter channel.Adapter) error {
	if c, ok := adapter.(connectable); ok {
		return c.Connect(ctx)
	}
	return nil
}

func buildAdapter(cc config.ChannelConfig) (channel.Adapter, error) {
	switch cc.Provider {
	case "discord":
		return discord.New(discord.AdapterOpts{Name: cc.Name, BotToken: cc.Discord.BotToken})
	case "slack":
		return slack.New(slack.AdapterOpts{Name: cc.Name, BotToken: cc.Slack.BotToken})
	default:
		return nil, fmt.Errorf("serve: unsupported provider %q", cc.Provider)
	}
}

// applyConfiguredModes enables the ingestion mode declared per channel.
// Mode failures are logged, not fatal: the mode can be switched later over
// the API.
func applyConfiguredModes(ctx context.Context, channels []config.ChannelConfig, modes *connmode.Manager) {
	for _, cc := range channels {
		switch cc.Mode {
		case "push":
			if err := modes.EnablePush(ctx, cc.Name); err != nil {
				log.Printf("serve: channel %s: enable push: %v", cc.Name, err)
			}
		case "webhook":
			url := cc.Slack.WebhookURL
			if url == "" {
				log.Printf("serve: channel %s: webhook mode configured without a url, skipping", cc.Name)
				continue
			}
			if err := modes.EnableWebhook(ctx, cc.Name, url, nil); err != nil {
				log.Printf("serve: channel %s: enable webhook: %v", cc.Name, err)
			}
		}
	}
}
