package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/openfroyo/toolstore/pkg/config"
	"github.com/openfroyo/toolstore/pkg/engine"
	"github.com/openfroyo/toolstore/pkg/policy"
	"github.com/openfroyo/toolstore/pkg/storage"
	"github.com/openfroyo/toolstore/pkg/stores"
	"github.com/openfroyo/toolstore/pkg/telemetry"
)

// Stack is a fully wired toolstore process.
type Stack struct {
	Config    *config.Config
	Telemetry *telemetry.Telemetry
	Registry  *config.Registry
	Storage   *storage.Engine
	Journal   *stores.SQLiteStore
	Policy    *policy.Engine
	Runtime   *Runtime
}

// Bootstrap loads artifacts, opens storage and the run journal, loads rule
// sets and wires the executors. Close releases everything it opened.
func Bootstrap(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (_ *Stack, err error) {
	if cfg == nil || tel == nil {
		return nil, fmt.Errorf("config and telemetry are required")
	}
	op := telemetry.StartOperation(tel.WithContext(ctx), "toolstore.bootstrap")
	defer func() { op.End(err) }()
	ctx = op.Ctx

	logger := tel.Logger.Zerolog()
	s := &Stack{Config: cfg, Telemetry: tel}

	registry, err := config.NewRegistry(logger)
	if err != nil {
		return nil, err
	}
	if err := registry.LoadDir(cfg.ArtifactsDir); err != nil {
		return nil, fmt.Errorf("failed to load artifacts: %w", err)
	}
	s.Registry = registry

	s.Storage, err = storage.Open(ctx, storage.Options{
		DataDir:              cfg.DataDir,
		LockTimeout:          cfg.LockTimeout,
		LockPollInterval:     cfg.LockPollInterval,
		IndexPersistInterval: cfg.IndexPersistInterval,
		WALRetention:         cfg.WALRetention,
		Logger:               logger,
		Observer:             tel.Metrics,
	}, registry.Schemas())
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	if cfg.JournalPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.JournalPath), 0o755); err != nil {
			_ = s.Close(ctx)
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
		s.Journal, err = stores.Open(ctx, stores.Config{Path: cfg.JournalPath})
		if err != nil {
			_ = s.Close(ctx)
			return nil, fmt.Errorf("failed to open run journal: %w", err)
		}
	}

	sets := registry.RuleSets()
	if len(cfg.PolicyPaths) > 0 {
		extra, err := policy.NewLoader(logger).LoadFromPaths(ctx, cfg.PolicyPaths)
		if err != nil {
			_ = s.Close(ctx)
			return nil, err
		}
		sets = append(sets, extra...)
	}
	s.Policy = policy.NewEngine(s.Storage, logger, policy.WithObserver(tel.Metrics))
	if err := s.Policy.Load(ctx, sets...); err != nil {
		_ = s.Close(ctx)
		return nil, fmt.Errorf("failed to load rule sets: %w", err)
	}

	s.Runtime = Wire(registry, s.Storage, s.Policy, s.recorder(), tel, cfg, logger)
	return s, nil
}

func (s *Stack) recorder() engine.RunRecorder {
	if s.Journal == nil {
		return nil
	}
	return s.Journal
}

// Wire builds the executors and the Runtime over already opened components.
// recorder may be nil. extra options, such as integration adapters, are
// applied to the saga executor last.
func Wire(artifacts Artifacts, store engine.Store, rules RuleGate, recorder engine.RunRecorder, tel *telemetry.Telemetry, cfg *config.Config, logger zerolog.Logger, extra ...engine.SagaOption) *Runtime {
	actions := engine.NewActionExecutor(store, logger, engine.WithActionObserver(tel.Metrics))

	sagaOpts := []engine.SagaOption{
		engine.WithPlans(artifacts),
		engine.WithCompensator(config.NewStarlarkCompensator(store, cfg.ScriptTimeout, logger)),
		engine.WithEventPublisher(NewEventBridge(tel.Events)),
		engine.WithSagaObserver(tel.Metrics),
		engine.WithMaxParallel(cfg.MaxParallel),
	}
	opts := []Option{
		WithMetrics(tel.Metrics),
		WithEvents(tel.Events),
	}
	if recorder != nil {
		sagaOpts = append(sagaOpts, engine.WithRunRecorder(recorder))
		opts = append(opts, WithRecorder(recorder))
	}
	if rules != nil {
		opts = append(opts, WithRules(rules))
	}
	sagaOpts = append(sagaOpts, extra...)
	saga := engine.NewSagaExecutor(actions, logger, sagaOpts...)
	return New(artifacts, store, actions, saga, logger, opts...)
}

// Close shuts down storage and the journal.
func (s *Stack) Close(ctx context.Context) error {
	var errs []error
	if s.Storage != nil {
		if err := s.Storage.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
	}
	if s.Journal != nil {
		if err := s.Journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("journal: %w", err))
		}
	}
	return errors.Join(errs...)
}
