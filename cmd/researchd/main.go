package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"researchd/internal/adapter/ledgerstore"
	"researchd/internal/adapter/taskstore"
	"researchd/internal/adapter/transport"
	"researchd/internal/domain"
	"researchd/internal/infra/config"
	"researchd/internal/infra/logger"
	"researchd/internal/infra/tracer"
	"researchd/internal/usecase/cost"
	"researchd/internal/usecase/dispatch"
	"researchd/internal/usecase/engine"
	"researchd/internal/usecase/eventbus"
	"researchd/internal/usecase/pipeline"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			log.Warn("tracer shutdown failed", "error", err)
		}
	}()

	// Durable stores.
	sink, err := ledgerstore.NewSQLiteLedgerStore(cfg.LedgerPath)
	if err != nil {
		return err
	}
	defer sink.Close()

	store, err := taskstore.NewFileStore(cfg.TaskDir)
	if err != nil {
		return err
	}

	// Cost layer.
	prices := cost.NewPriceTable(priceEntries(cfg.Cost.Prices))
	ledger := cost.NewLedger(prices, sink, log)
	estimator := cost.NewEstimator(prices, agentModels(cfg.Cost.AgentModels), log)
	admission := cost.NewAdmission(cfg.Cost.Thresholds, cfg.Cost.AutoDowngrade, log)

	bus := eventbus.New(log)
	defer bus.Close()

	// Dispatch layer.
	dispatcher := dispatch.New(dispatch.Config{
		CallTimeout:   cfg.Dispatcher.CallTimeout,
		AgentTimeouts: agentTimeouts(cfg.Dispatcher.AgentTimeouts),
		RateLimit:     cfg.Dispatcher.RateLimit,
		Burst:         cfg.Dispatcher.Burst,
	}, ledger, bus, log)
	defer dispatcher.Close()

	for name, endpoint := range cfg.Agents {
		agent := domain.AgentType(name)
		if endpoint.URL == "" {
			log.Warn("agent endpoint has no URL, skipping", "agent", name)
			continue
		}
		ch := transport.NewWSChannel(endpoint.URL, agent, log)
		if err := dispatcher.Register(agent, ch); err != nil {
			return err
		}
	}

	// Pipeline and engine.
	notifier := pipeline.NewNotifier(log)
	pipe := pipeline.New(pipeline.Config{
		MaxRetries:     cfg.Engine.MaxRetries,
		TaskTimeout:    cfg.Engine.TaskTimeout,
		RetryBaseDelay: cfg.Engine.RetryBaseDelay,
	}, dispatcher, ledger, admission, store, bus, notifier, log)

	eng := engine.New(engine.Config{
		MaxConcurrentTasks: cfg.Engine.MaxConcurrentTasks,
	}, estimator, admission, pipe, notifier, store, bus, log)
	defer eng.Close()

	log.Info("researchd started",
		"agents", len(cfg.Agents),
		"max_concurrent_tasks", cfg.Engine.MaxConcurrentTasks,
		"ledger_path", cfg.LedgerPath,
	)

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

func priceEntries(entries []config.PriceEntry) []cost.PriceEntry {
	out := make([]cost.PriceEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, cost.PriceEntry{
			Provider: e.Provider,
			Model:    e.Model,
			Price: cost.Price{
				InputPerMTok:  e.InputPerMTok,
				OutputPerMTok: e.OutputPerMTok,
			},
		})
	}
	return out
}

func agentModels(models map[string]config.ModelRef) map[domain.AgentType]cost.ModelRef {
	out := make(map[domain.AgentType]cost.ModelRef, len(models))
	for name, ref := range models {
		out[domain.AgentType(name)] = cost.ModelRef{Provider: ref.Provider, Model: ref.Model}
	}
	return out
}

func agentTimeouts(timeouts map[string]time.Duration) map[domain.AgentType]time.Duration {
	if len(timeouts) == 0 {
		return nil
	}
	out := make(map[domain.AgentType]time.Duration, len(timeouts))
	for name, t := range timeouts {
		out[domain.AgentType(name)] = t
	}
	return out
}
