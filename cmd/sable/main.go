// Command sable runs the personal automation agent: an event-driven
// runtime that stays up, executes prioritized tasks, and talks to the
// user over whatever channels are configured.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sablebot/sable/pkg/agent"
	"github.com/sablebot/sable/pkg/api"
	"github.com/sablebot/sable/pkg/channels"
	"github.com/sablebot/sable/pkg/config"
	"github.com/sablebot/sable/pkg/cron"
	"github.com/sablebot/sable/pkg/engine"
	"github.com/sablebot/sable/pkg/logger"
	"github.com/sablebot/sable/pkg/providers"
	"github.com/sablebot/sable/pkg/tools"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: $SABLE_CONFIG or ~/.sable/config.yaml)")
	logLevel := flag.String("log-level", "", "override configured log level (debug, info, warn, error)")
	flag.Parse()

	if err := run(*configPath, *logLevel); err != nil {
		fmt.Fprintln(os.Stderr, "sable:", err)
		os.Exit(1)
	}
}

func run(configPath, logLevel string) error {
	if configPath == "" {
		configPath = os.Getenv("SABLE_CONFIG")
	}
	if configPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			configPath = filepath.Join(home, ".sable", "config.yaml")
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	eng := engine.New(cfg)
	if err := eng.Startup(); err != nil {
		return err
	}

	// Everything below rides on the engine's bus and task manager; the
	// engine owns their lifecycle.
	provider, model, err := providers.FromConfig(cfg.Providers)
	if err != nil {
		eng.Shutdown()
		return err
	}

	registry := tools.NewRegistry()
	registry.Register(&tools.ReadFileTool{Workspace: cfg.Workspace})
	registry.Register(&tools.WriteFileTool{Workspace: cfg.Workspace})
	registry.Register(&tools.ListDirTool{Workspace: cfg.Workspace})
	registry.Register(&tools.ShellTool{Workspace: cfg.Workspace})

	ag := agent.New(eng.Bus(), eng.Tasks(), provider, model, registry, cfg.AgentName)
	ag.Start()
	defer ag.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr := channels.NewManager(eng.Bus())
	if cfg.Channels.CLI.Enabled {
		mgr.Register(channels.NewCLIChannel(eng.Bus()))
	}
	if cfg.Channels.Discord.Enabled {
		mgr.Register(channels.NewDiscordChannel(eng.Bus(), cfg.Channels.Discord.Token))
	}
	if cfg.Channels.Telegram.Enabled {
		mgr.Register(channels.NewTelegramChannel(eng.Bus(), cfg.Channels.Telegram.Token))
	}
	mgr.Start(ctx)
	defer mgr.Stop()

	sched, err := cron.New(eng.Bus(), cfg.Cron)
	if err != nil {
		eng.Shutdown()
		return err
	}
	go sched.Run(ctx)

	if cfg.Gateway.Enabled {
		gw := api.NewGateway(cfg.Gateway, eng.Bus(), eng.Tasks())
		if err := gw.Start(); err != nil {
			eng.Shutdown()
			return err
		}
		defer gw.Stop(context.Background())
	}

	logger.InfoCF("main", "Sable is up", map[string]interface{}{"agent": cfg.AgentName})
	return eng.Run(ctx)
}
