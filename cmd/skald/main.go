// Package main is the entry point for the Skald narrative engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/skald-rpg/engine/internal/adventure"
	"github.com/skald-rpg/engine/internal/agent"
	"github.com/skald-rpg/engine/internal/config"
	ctxpack "github.com/skald-rpg/engine/internal/context"
	"github.com/skald-rpg/engine/internal/director"
	"github.com/skald-rpg/engine/internal/guard"
	"github.com/skald-rpg/engine/internal/ipc"
	"github.com/skald-rpg/engine/internal/llm"
	"github.com/skald-rpg/engine/internal/memory"
	"github.com/skald-rpg/engine/internal/store"
	"github.com/skald-rpg/engine/internal/turn"
	"github.com/skald-rpg/engine/internal/writer"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to configuration JSON file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("skald %s (commit=%s, built=%s)\n", version, commit, date)
		os.Exit(0)
	}

	// Resolve config path: --config flag > SKALD_CONFIG env > auto-discover.
	path := *configPath
	if path == "" {
		path = os.Getenv("SKALD_CONFIG")
	}
	if path == "" {
		path = discoverConfig()
	}
	if path == "" {
		fatal("no config found. Place config.json next to the exe, use --config <path>, or set SKALD_CONFIG.")
	}

	cfg, err := config.Load(path)
	if err != nil {
		fatal(fmt.Sprintf("load config: %v", err))
	}

	logger := newLogger(cfg.LogLevel)

	db, err := store.NewDB(cfg.DBPath)
	if err != nil {
		fatal(fmt.Sprintf("open database: %v", err))
	}
	defer db.Close()

	module, err := adventure.Load(cfg.ModulePath)
	if err != nil {
		fatal(fmt.Sprintf("load adventure module: %v", err))
	}

	// Every model role shares the configured default profile unless
	// overridden; all nondeterminism stays behind the invoker.
	registry := llm.NewRegistry(llm.Profile{
		Model:       cfg.Model,
		Temperature: 0.7,
		MaxTokens:   1024,
	})
	invoker := llm.NewOpenAIInvoker(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, registry)

	index := memory.NewIndex(db)
	broker, err := ctxpack.NewBroker(db, index, ctxpack.Options{
		RecapLimit:        cfg.RecapLimit,
		EventWindow:       cfg.EventWindow,
		RetrievalTopK:     cfg.RetrievalTopK,
		TokenBudget:       cfg.ContextTokenBudget,
		AdvisoryTimeoutMS: cfg.AdvisoryTimeoutMS,
	}, logger)
	if err != nil {
		fatal(fmt.Sprintf("build context broker: %v", err))
	}

	agents := agent.NewRegistry()
	agents.Register(agent.NewDialogue(invoker))
	agents.Register(agent.NewCombat(invoker))
	agents.Register(agent.NewExploration(invoker))

	decisionTimeout := time.Duration(cfg.DecisionTimeoutMS) * time.Millisecond
	advisoryTimeout := time.Duration(cfg.AdvisoryTimeoutMS) * time.Millisecond

	coordinator := turn.NewCoordinator(db, broker,
		guard.New(invoker, decisionTimeout, logger),
		director.New(invoker, advisoryTimeout, logger),
		agents,
		writer.New(db, module, logger),
		memory.NewCurator(index, invoker, logger),
		index,
		turn.Options{
			DefaultAgent:    cfg.DefaultAgent,
			MaxRounds:       cfg.MaxRounds,
			MaxToolCalls:    cfg.MaxToolCalls,
			RetrievalTopK:   cfg.RetrievalTopK,
			PendingTTL:      time.Duration(cfg.PendingTTLMin) * time.Minute,
			DecisionTimeout: decisionTimeout,
		}, logger)

	sessions := turn.NewSessionService(db, module, coordinator, logger)

	sweeper := turn.NewSweeper(db, time.Minute, logger)
	sweeper.Start()

	handler := &ipc.Handler{Sessions: sessions}
	srv := ipc.NewServer(handler, cfg.ListenAddr)

	// Graceful shutdown on interrupt.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info().Msg("shutting down")

		sweeper.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("server shutdown")
		}
	}()

	logger.Info().
		Str("addr", cfg.ListenAddr).
		Str("module", module.Title).
		Msg("skald engine listening")

	if err := srv.Start(); err != nil && err != http.ErrServerClosed {
		fatal(fmt.Sprintf("server error: %v", err))
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}

// discoverConfig looks for config.json next to the executable, then in the cwd.
func discoverConfig() string {
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), "config.json")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	if _, err := os.Stat("config.json"); err == nil {
		return "config.json"
	}
	return ""
}

func fatal(msg string) {
	fmt.Fprintf(os.Stderr, "ERROR: %s\n", msg)
	os.Exit(1)
}
