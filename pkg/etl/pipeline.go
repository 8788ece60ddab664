package etl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/tunelake/tunelake/pkg/duck"
	"github.com/tunelake/tunelake/pkg/etl/catalog"
	"github.com/tunelake/tunelake/pkg/etl/events"
	"github.com/tunelake/tunelake/pkg/etl/facts"
	"github.com/tunelake/tunelake/pkg/etl/source"
	"github.com/tunelake/tunelake/pkg/etl/surrogate"
	"github.com/tunelake/tunelake/pkg/schema"
)

// Default discovery globs, matching the conventional date-partitioned
// layout of the raw datasets.
const (
	DefaultCatalogGlob = "song_data/*/*/*/*.json"
	DefaultEventsGlob  = "log_data/*/*/*.json"
)

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	DB     duck.DB
	// InputDir is the base directory holding both raw datasets.
	InputDir string
	// OutputPath is the resolved storage base path for the five tables.
	OutputPath string
	// CatalogGlob and EventsGlob locate the raw files under InputDir.
	CatalogGlob string
	EventsGlob  string
	// SchemaPolicy governs malformed input handling.
	SchemaPolicy schema.Policy
	// UnmatchedPlays governs fact rows whose song/artist text has no
	// catalog match.
	UnmatchedPlays facts.UnmatchedPolicy
	// MaxConcurrency bounds parallel input decoding.
	MaxConcurrency int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		return errors.New("clock is required")
	}
	if cfg.DB == nil {
		return errors.New("db is required")
	}
	if cfg.InputDir == "" {
		return errors.New("input directory is required")
	}
	if cfg.OutputPath == "" {
		return errors.New("output path is required")
	}
	return nil
}

// Pipeline runs the full lake build as one batch: catalog dimensions
// first, then event dimensions, then the fact table. Tables are handed
// to the fact build in memory, so it never reads back possibly-stale
// output.
type Pipeline struct {
	log   *slog.Logger
	clock clockwork.Clock
	cfg   Config
	store *Store
}

func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	if cfg.CatalogGlob == "" {
		cfg.CatalogGlob = DefaultCatalogGlob
	}
	if cfg.EventsGlob == "" {
		cfg.EventsGlob = DefaultEventsGlob
	}
	return &Pipeline{
		log:   cfg.Logger,
		clock: cfg.Clock,
		cfg:   cfg,
		store: NewStore(cfg.Logger, cfg.DB, cfg.OutputPath),
	}, nil
}

// Run executes the whole pipeline once. Any storage failure aborts the
// run; reruns fully overwrite prior output, so recovery is a rerun.
func (p *Pipeline) Run(ctx context.Context) error {
	runID := uuid.New().String()
	log := p.log.With("run_id", runID)
	runStart := p.clock.Now()

	log.Info("lake build starting",
		"input_dir", p.cfg.InputDir,
		"output", p.cfg.OutputPath,
		"schema_policy", p.cfg.SchemaPolicy.String(),
		"unmatched_plays", p.cfg.UnmatchedPlays.String())

	if err := p.buildCatalogAndFacts(ctx, log); err != nil {
		return err
	}

	log.Info("lake build completed", "duration", p.clock.Since(runStart).String())
	return nil
}

func (p *Pipeline) buildCatalogAndFacts(ctx context.Context, log *slog.Logger) error {
	stageStart := p.clock.Now()
	catalogRecords, catalogStats, err := source.Read(ctx, source.Config{
		Logger:         log,
		Dir:            p.cfg.InputDir,
		Glob:           p.cfg.CatalogGlob,
		Schema:         catalog.Schema(),
		Policy:         p.cfg.SchemaPolicy,
		MaxConcurrency: p.cfg.MaxConcurrency,
	})
	if err != nil {
		return fmt.Errorf("failed to read song catalog: %w", err)
	}

	songs := catalog.Songs(catalogRecords, surrogate.NewGenerator(1))
	artists := catalog.Artists(catalogRecords)
	log.Info("catalog transformed",
		"files", catalogStats.Files,
		"records", catalogStats.Records,
		"skipped", catalogStats.Skipped,
		"songs", len(songs),
		"artists", len(artists),
		"duration", p.clock.Since(stageStart).String())

	stageStart = p.clock.Now()
	eventRecords, eventStats, err := source.Read(ctx, source.Config{
		Logger:         log,
		Dir:            p.cfg.InputDir,
		Glob:           p.cfg.EventsGlob,
		Schema:         events.Schema(),
		Policy:         p.cfg.SchemaPolicy,
		MaxConcurrency: p.cfg.MaxConcurrency,
	})
	if err != nil {
		return fmt.Errorf("failed to read activity log: %w", err)
	}

	plays, skippedPlays, err := events.FromRecords(eventRecords, p.cfg.SchemaPolicy)
	if err != nil {
		return fmt.Errorf("failed to transform activity log: %w", err)
	}
	users := events.Users(plays)
	timeRows := events.TimeRows(plays)
	log.Info("events transformed",
		"files", eventStats.Files,
		"records", eventStats.Records,
		"skipped", eventStats.Skipped+skippedPlays,
		"plays", len(plays),
		"users", len(users),
		"time_rows", len(timeRows),
		"duration", p.clock.Since(stageStart).String())

	stageStart = p.clock.Now()
	songplays := facts.Build(facts.Input{
		Plays:   plays,
		Songs:   songs,
		Artists: artists,
		Time:    timeRows,
	}, surrogate.NewGenerator(1), p.cfg.UnmatchedPlays)
	log.Info("facts built",
		"songplays", len(songplays),
		"duration", p.clock.Since(stageStart).String())

	stageStart = p.clock.Now()
	if err := p.store.WriteSongs(ctx, songs); err != nil {
		return fmt.Errorf("failed to write songs: %w", err)
	}
	if err := p.store.WriteArtists(ctx, artists); err != nil {
		return fmt.Errorf("failed to write artists: %w", err)
	}
	if err := p.store.WriteUsers(ctx, users); err != nil {
		return fmt.Errorf("failed to write users: %w", err)
	}
	if err := p.store.WriteTime(ctx, timeRows); err != nil {
		return fmt.Errorf("failed to write time: %w", err)
	}
	if err := p.store.WriteSongplays(ctx, songplays); err != nil {
		return fmt.Errorf("failed to write songplays: %w", err)
	}
	log.Info("tables written", "duration", p.clock.Since(stageStart).String())
	return nil
}
