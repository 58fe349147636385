// Package app composes the explorer from configuration: the session store,
// the sub-tree cache, the generation backend, the orchestrator and its
// observers, and the HTTP surface. Every binary builds through here.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/fpang/topic-explorer/internal/api"
	"github.com/fpang/topic-explorer/internal/cache"
	"github.com/fpang/topic-explorer/internal/config"
	"github.com/fpang/topic-explorer/internal/events"
	"github.com/fpang/topic-explorer/internal/generation"
	"github.com/fpang/topic-explorer/internal/jobs"
	"github.com/fpang/topic-explorer/internal/orchestrator"
	"github.com/fpang/topic-explorer/internal/session"
	"github.com/fpang/topic-explorer/internal/store"
)

// Deps are clients supplied by the caller. Anything left nil is created
// from the default AWS config on first use.
type Deps struct {
	AWS        *aws.Config
	KV         session.KV
	Generation generation.Service
	Source     cache.Source
	// HTTPClient is used for the generation endpoint and the HTTP cache.
	HTTPClient *http.Client
	// Jobs and Dispatcher replace what a shared store configuration builds.
	Jobs       orchestrator.JobStore
	Dispatcher orchestrator.Dispatcher
}

// App is a running explorer.
type App struct {
	Config       *config.Config
	Session      *session.Session
	Adapter      *session.Adapter
	Orchestrator *orchestrator.Orchestrator
	Hub          *api.Hub
	Server       *api.Server
	Publisher    *events.Publisher

	badger  *store.BadgerKV
	closers []func() error
}

// Build wires every component named by cfg and restores the current session.
func Build(ctx context.Context, cfg *config.Config, deps Deps) (*App, error) {
	a := &App{Config: cfg}

	awsCfg := func() (aws.Config, error) {
		if deps.AWS != nil {
			return *deps.AWS, nil
		}
		c, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
		}
		deps.AWS = &c
		return c, nil
	}

	kv := deps.KV
	if kv == nil {
		var err error
		kv, err = a.openStore(ctx, cfg, awsCfg)
		if err != nil {
			return nil, err
		}
	}
	var adapterOpts []session.Option
	if cfg.Store.Compress {
		adapterOpts = append(adapterOpts, session.WithCompression())
	}
	a.Adapter = session.NewAdapter(kv, adapterOpts...)

	sess, err := a.Adapter.LoadOrFresh(ctx)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("restore session: %w", err)
	}
	a.Session = sess

	resolver, err := buildResolver(cfg, deps, awsCfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	svc := deps.Generation
	if svc == nil {
		svc, err = buildGeneration(cfg, deps, awsCfg)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	var jobStore orchestrator.JobStore
	if cfg.Store.Shared {
		jobStore, err = buildJobStore(cfg, deps, kv, awsCfg)
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	dispatcher, err := buildDispatcher(cfg, deps, awsCfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Hub = api.NewHub()
	observers := []orchestrator.Observer{
		session.NewAutosave(a.Adapter, cfg.AutosaveTimeout()),
		a.Hub,
	}
	if cfg.Events.Enabled {
		c, err := awsCfg()
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Publisher = events.NewPublisher(eventbridge.NewFromConfig(c), cfg.Events.BusName, sess.ID)
		observers = append(observers, a.Publisher)
	}

	opts := orchestrator.Options{
		JobTimeout:       cfg.JobTimeout(),
		MaxConcurrent:    int64(cfg.Jobs.MaxConcurrent),
		DispatchBurst:    cfg.Jobs.DispatchBurst,
		Mode:             generation.Mode(cfg.Generation.Mode),
		DisableFollow:    !cfg.Jobs.FollowResults,
		RetainFinished:   cfg.Jobs.RetainFinished,
		MetricsNamespace: cfg.Metrics.Namespace,
		Observers:        observers,
		JobStore:         jobStore,
		Dispatcher:       dispatcher,
	}
	if cfg.Store.Shared {
		opts.BeforeCommit = a.Reload
	}
	if cfg.Jobs.DispatchPerSecond > 0 {
		opts.DispatchRate = rate.Limit(cfg.Jobs.DispatchPerSecond)
	}
	var res orchestrator.Resolver
	if resolver != nil {
		res = resolver
	}
	a.Orchestrator = orchestrator.New(sess, res, svc, opts)

	apiOpts := api.Options{
		OriginVerifySecret: cfg.Server.OriginVerifySecret,
		MetricsNamespace:   cfg.Metrics.Namespace,
		MaxBodyBytes:       cfg.MaxUploadBytes(),
		Saver:              a.Adapter.Save,
	}
	if cfg.Store.Shared {
		apiOpts.Reload = a.Reload
	}
	a.Server = api.New(a.Orchestrator, a.Hub, apiOpts)

	log.Info().
		Str("sessionId", sess.ID).
		Int("nodes", sess.Tree.Len()).
		Str("store", cfg.Store.Backend).
		Bool("cache", resolver != nil).
		Bool("events", a.Publisher != nil).
		Bool("shared", cfg.Store.Shared).
		Bool("worker", dispatcher != nil).
		Msg("Explorer ready")
	return a, nil
}

// Reload brings the session and its job records up to date with what other
// processes saved.
func (a *App) Reload(ctx context.Context) error {
	stored, err := a.Adapter.LoadByID(ctx, a.Session.ID)
	if err != nil {
		return err
	}
	if stored != nil {
		if _, err := a.Orchestrator.Restore(stored); err != nil {
			return err
		}
	}
	return a.Orchestrator.Refresh(ctx)
}

// ExecuteTask runs a dispatched job to completion and saves the result.
// The job's own failure is recorded on the job, not returned.
func (a *App) ExecuteTask(ctx context.Context, t orchestrator.Task) (jobs.Job, error) {
	if err := a.Reload(ctx); err != nil {
		return jobs.Job{}, fmt.Errorf("reload session %s: %w", a.Session.ID, err)
	}
	j, err := a.Orchestrator.Execute(ctx, t)
	if err != nil {
		return j, err
	}
	if err := a.Adapter.Save(ctx, a.Session.Snapshot()); err != nil {
		return j, fmt.Errorf("save session %s: %w", a.Session.ID, err)
	}
	if a.Publisher != nil {
		a.Publisher.Wait()
	}
	return j, nil
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler { return a.Server.Handler() }

// RunMaintenance runs store housekeeping until ctx ends.
func (a *App) RunMaintenance(ctx context.Context) {
	if a.badger != nil {
		a.badger.RunGC(ctx, 10*time.Minute)
	}
}

// Close stops jobs, disconnects clients, saves a final snapshot and
// releases the store. It is safe to call on a partially built App.
func (a *App) Close() {
	if a.Orchestrator != nil {
		a.Orchestrator.Close()
	}
	if a.Hub != nil {
		a.Hub.Close()
	}
	if a.Publisher != nil {
		a.Publisher.Wait()
	}
	if a.Adapter != nil && a.Session != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.Config.AutosaveTimeout())
		if err := a.Adapter.Save(ctx, a.Session.Snapshot()); err != nil {
			log.Warn().Err(err).Msg("Final session save failed")
		}
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn().Err(err).Msg("Close failed")
		}
	}
	a.closers = nil
}
