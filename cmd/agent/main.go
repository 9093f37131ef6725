package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/hostwatch/internal/config"
	"github.com/invisible-tech/hostwatch/internal/detection"
	"github.com/invisible-tech/hostwatch/internal/server"
	"github.com/invisible-tech/hostwatch/internal/store"
	"github.com/invisible-tech/hostwatch/internal/version"
	"github.com/invisible-tech/hostwatch/pkg/agent"
	"github.com/invisible-tech/hostwatch/pkg/auditlog"
	"github.com/invisible-tech/hostwatch/pkg/eventsource"
)

var _ agent.Recorder = (*store.MatchStore)(nil)

func main() {
	configPath := flag.String("config", "", "Path to agent.yml (default: <state dir>/agent/agent.yml)")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetLevel(logrus.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Debug("No .env file found, using system environment variables")
	}
	if lvl, err := logrus.ParseLevel(config.GetEnv("LOG_LEVEL", "info")); err == nil {
		log.SetLevel(lvl)
	}

	cfg, err := config.LoadAgentConfig(*configPath)
	if err != nil {
		log.WithError(err).Warn("Ignoring unreadable agent config, using defaults")
	}

	log.WithFields(logrus.Fields{
		"version":   version.String(),
		"state_dir": cfg.StateDir,
	}).Info("Starting hostwatch agent")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	loaded := detection.Load(cfg.RulesPath)
	for _, perr := range loaded.Errors {
		log.WithError(perr.Err).WithField("path", perr.Path).Warn("Skipping rule file")
	}
	engine := detection.NewEngine(cfg.RulesPath, loaded.Rules)
	log.WithField("rules", len(loaded.Rules)).Info("Rules loaded")

	if cfg.WatchRules {
		watcher, err := detection.NewWatcher(engine, cfg.RulesDebounce, log)
		if err != nil {
			log.WithError(err).Warn("Rule hot reload disabled")
		} else {
			go watcher.Start(ctx)
		}
	}

	matches := store.NewMatchStore(store.DefaultCapacity)
	ag, err := agent.New(agent.Config{
		RulesPath: cfg.RulesPath,
		Interval:  cfg.Interval,
		Sources:   cfg.Sources,
		MaxEvents: cfg.MaxEvents,
		Engine:    engine,
		Source:    eventsource.Default(cfg.EventsDir(), log),
		Audit:     auditlog.New(cfg.AuditLogPath()),
		Recorder:  matches,
	}, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to create agent")
	}

	var srv *server.Server
	if cfg.StatusAddr != "" {
		srv = server.New(cfg.StatusAddr, ag, matches, engine, log)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("Status API error")
			}
		}()
	}

	go func() {
		if err := ag.Run(ctx); err != nil {
			log.WithError(err).Error("Agent error")
		}
	}()

	select {
	case sig := <-sigChan:
		log.WithField("signal", sig.String()).Info("Received shutdown signal")
	case <-ag.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := ag.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Error during shutdown")
	}
	cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("Status API shutdown error")
		}
	}

	log.Info("Agent shutdown complete")
}
