package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/scrivohq/scrivo/internal/config"
	"github.com/scrivohq/scrivo/internal/costs"
	"github.com/scrivohq/scrivo/internal/jobstore"
	"github.com/scrivohq/scrivo/internal/media"
	"github.com/scrivohq/scrivo/internal/models"
	"github.com/scrivohq/scrivo/internal/pipeline/core"
	"github.com/scrivohq/scrivo/internal/pipeline/stages/generate"
	"github.com/scrivohq/scrivo/internal/pipeline/stages/ingest"
	"github.com/scrivohq/scrivo/internal/pipeline/stages/refine"
	"github.com/scrivohq/scrivo/internal/pipeline/stages/scribe"
	"github.com/scrivohq/scrivo/internal/pipeline/stages/shelve"
	"github.com/scrivohq/scrivo/internal/provider"
	"github.com/scrivohq/scrivo/internal/provider/backends/cloudrelay"
	"github.com/scrivohq/scrivo/internal/provider/backends/localwhisper"
	"github.com/scrivohq/scrivo/internal/render"
	"github.com/scrivohq/scrivo/internal/shelving"
	"github.com/scrivohq/scrivo/internal/template"
)

// app bundles the wired services one command invocation uses.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *jobstore.Store
	providers *provider.Registry
	templates *template.Registry
	renderers *render.Registry
	ledger    *costs.Ledger
	deps      *core.Dependencies
	driver    *core.Driver
}

// newApp wires the stores, registries, and pipeline driver from the
// loaded configuration.
func newApp() (*app, error) {
	cfg, logger := appCfg, appLogger

	if err := os.MkdirAll(cfg.Paths.Work, 0755); err != nil {
		return nil, fmt.Errorf("creating work root %s: %w", cfg.Paths.Work, err)
	}
	store := jobstore.New(cfg.Paths.Work)

	providers := provider.NewRegistry()
	cloudrelay.Register(providers)
	localwhisper.Register(providers)
	if err := providers.Discover(cfg.Paths.Providers); err != nil {
		return nil, err
	}

	templates, err := template.LoadRegistry(cfg.Paths.Templates)
	if err != nil {
		return nil, err
	}

	// A broken ledger downgrades reporting, not processing: usage still
	// accumulates in each job's meta.json.
	ledger, err := costs.Open(cfg.LedgerDSN())
	if err != nil {
		logger.Warn("usage ledger unavailable", slog.String("error", err.Error()))
		ledger = nil
	}

	renderers := render.NewRegistry()
	deps := &core.Dependencies{
		Config:    cfg,
		Store:     store,
		Providers: providers,
		Templates: templates,
		Renderers: renderers,
		Shelver:   shelving.New(cfg.Paths.Results),
		Prober:    media.NewProber(cfg.Media.FFprobePath),
		Encoder:   media.NewEncoder(cfg.Media.FFmpegPath),
		Ledger:    ledger,
		Logger:    logger,
	}
	driver := core.NewDriver(deps,
		ingest.New(deps),
		scribe.New(deps),
		refine.New(deps),
		generate.New(deps),
		shelve.New(deps),
	)

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		providers: providers,
		templates: templates,
		renderers: renderers,
		ledger:    ledger,
		deps:      deps,
		driver:    driver,
	}, nil
}

// Close releases the app's durable resources.
func (a *app) Close() {
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			a.logger.Warn("closing usage ledger", slog.String("error", err.Error()))
		}
	}
}

// commandContext returns a context cancelled by SIGINT/SIGTERM. A signal
// mid-stage marks the stage failed with a cancellation cause, so the job
// resumes cleanly.
func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// newJob snapshots the configuration and creates the job directory. All
// user-facing validation happens here, before anything touches disk.
func (a *app) newJob(cmd *cobra.Command, source string) (*jobstore.Job, error) {
	info, err := os.Stat(source)
	if err != nil {
		return nil, userErrorf("source file %s: %v", source, err)
	}
	if info.IsDir() {
		return nil, userErrorf("source %s is a directory", source)
	}

	conf := a.snapshotConfiguration(cmd)
	if err := a.validateConfiguration(conf); err != nil {
		return nil, err
	}
	if err := a.checkTemplateSchemas(conf.Artifacts); err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(source)
	if err != nil {
		return nil, fmt.Errorf("resolving source path: %w", err)
	}

	now := time.Now().UTC()
	id := models.NewJobID(now, filepath.Base(source))
	meta := &models.JobMeta{
		JobID:         id,
		Source:        abs,
		CreatedAt:     now,
		Configuration: conf,
	}
	return a.store.Create(id, meta)
}

// snapshotConfiguration freezes the job configuration from the process
// defaults, overridden by flags the user explicitly set. A nil cmd (the
// watcher path) takes the defaults as they are.
func (a *app) snapshotConfiguration(cmd *cobra.Command) models.Configuration {
	d := a.cfg.Defaults
	conf := models.Configuration{
		Language:        d.Language,
		CompressionMode: d.CompressionMode,
		Transcribe:      models.StageBackend{Provider: d.Transcribe.Provider, Model: d.Transcribe.Model},
		Refine:          models.StageBackend{Provider: d.Refine.Provider, Model: d.Refine.Model},
		Shelve: models.ShelvePolicy{
			Strategy:        d.Shelve.Strategy,
			IDFormat:        d.Shelve.IDFormat,
			FilenamePattern: d.Shelve.FilenamePattern,
			TagRoutes:       d.Shelve.TagRoutes,
		},
		Retry: models.RetryPolicy{
			Max:          a.cfg.Pipeline.RetryMax,
			DelaySeconds: int(a.cfg.Pipeline.RetryDelay.Seconds()),
		},
		StageTimeout: a.cfg.Pipeline.StageTimeout,
		Debug:        d.Debug,
	}
	for _, art := range d.Artifacts {
		conf.Artifacts = append(conf.Artifacts, models.ArtifactRef{
			Plugin: art.Plugin, Template: art.Template, Filename: art.Filename,
		})
	}

	if cmd == nil {
		return conf
	}
	flags := cmd.Flags()
	if flags.Changed("language") {
		conf.Language, _ = flags.GetString("language")
	}
	if flags.Changed("compression-mode") {
		conf.CompressionMode, _ = flags.GetString("compression-mode")
	}
	if flags.Changed("model") {
		m, _ := flags.GetString("model")
		conf.Transcribe.Model = m
		conf.Refine.Model = m
	}
	if flags.Changed("shelve-mode") {
		conf.Shelve.Strategy, _ = flags.GetString("shelve-mode")
	}
	if flags.Changed("skip-transcript") {
		conf.DirectMode, _ = flags.GetBool("skip-transcript")
	}
	if flags.Changed("debug") {
		conf.Debug, _ = flags.GetBool("debug")
	}
	return conf
}

// validateConfiguration rejects unknown providers, models, plugins, and
// templates before a job directory exists.
func (a *app) validateConfiguration(conf models.Configuration) error {
	switch conf.CompressionMode {
	case "original", "compressed", "optimized":
	default:
		return userErrorf("unknown compression mode %q", conf.CompressionMode)
	}
	switch conf.Shelve.Strategy {
	case "timeline", "flat", "zettelkasten":
	default:
		return userErrorf("unknown shelving strategy %q", conf.Shelve.Strategy)
	}

	if !conf.DirectMode {
		if err := a.checkBackend(conf.Transcribe, provider.CapabilityTranscribe); err != nil {
			return err
		}
	}
	if err := a.checkBackend(conf.Refine, provider.CapabilityRefine); err != nil {
		return err
	}

	for _, ref := range conf.Artifacts {
		if _, err := a.renderers.Lookup(ref.Plugin); err != nil {
			return userError{err}
		}
		if ref.Template != "" {
			if _, ok := a.templates.Lookup(ref.Plugin, ref.Template); !ok {
				return userErrorf("unknown template %s/%s", ref.Plugin, ref.Template)
			}
		}
	}
	return nil
}

func (a *app) checkBackend(b models.StageBackend, cap provider.Capability) error {
	desc, ok := a.providers.Describe(b.Provider)
	if !ok {
		return userErrorf("unknown provider %q (configured providers: %v)", b.Provider, a.providers.Names())
	}
	if !desc.Has(cap) {
		return userErrorf("provider %s has no %s capability", b.Provider, cap)
	}
	if b.Model != "" && len(desc.Models) > 0 {
		if _, ok := desc.Model(b.Model); !ok {
			return userErrorf("provider %s has no model %q", b.Provider, b.Model)
		}
	}
	return nil
}

// checkTemplateSchemas assembles the refinement schema once at creation
// time, so conflicting templates fail the job before it exists.
func (a *app) checkTemplateSchemas(artifacts []models.ArtifactRef) error {
	var tmpls []*template.Template
	for _, ref := range artifacts {
		if ref.Template == "" {
			continue
		}
		if tmpl, ok := a.templates.Lookup(ref.Plugin, ref.Template); ok {
			tmpls = append(tmpls, tmpl)
		}
	}
	_, err := template.CollectSchema(tmpls)
	return err
}

// jobFromArgs loads the job named in args, or the most recently updated
// job when no id was given.
func (a *app) jobFromArgs(args []string) (*jobstore.Job, error) {
	if len(args) > 0 {
		job, err := a.store.Load(args[0])
		if err != nil {
			return nil, userError{err}
		}
		return job, nil
	}
	job, err := a.store.Latest()
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			return nil, userErrorf("no jobs under %s", a.cfg.Paths.Work)
		}
		return nil, err
	}
	return job, nil
}

// processDrop is the watcher's handler: create a job, take custody of the
// file through the ingest stage, drop the source, then run the remaining
// stages. Once the copy succeeds the source is consumed regardless of how
// the rest of the pipeline fares; a later failure leaves a resumable job.
func (a *app) processDrop(ctx context.Context, path string) error {
	job, err := a.newJob(nil, path)
	if err != nil {
		return err
	}
	if err := a.driver.Run(ctx, job, core.RunOptions{StopAfter: models.StageIngest}); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		a.logger.Warn("removing ingested source failed",
			slog.String("path", path), slog.String("error", err.Error()))
	}
	if err := a.driver.Run(ctx, job, core.RunOptions{}); err != nil {
		a.logger.Error("pipeline failed for dropped file",
			slog.String("job_id", job.ID), slog.String("error", err.Error()))
	}
	return nil
}
