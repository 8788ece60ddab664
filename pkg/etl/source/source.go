// Package source discovers JSON-lines input files and decodes them into
// schema-projected records.
package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/alitto/pond/v2"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/goccy/go-json"

	"github.com/tunelake/tunelake/pkg/schema"
)

const defaultMaxConcurrency = 8

// Scanner buffer large enough for long user_agent strings and embedded
// free-text fields.
const maxLineBytes = 1 << 20

type Config struct {
	Logger *slog.Logger
	// Dir is the input base directory.
	Dir string
	// Glob is a doublestar pattern relative to Dir, e.g.
	// "song_data/*/*/*/*.json".
	Glob string
	// Schema projects each decoded line.
	Schema *schema.Schema
	// Policy controls handling of malformed lines and field values.
	Policy schema.Policy
	// MaxConcurrency bounds parallel file decoding.
	MaxConcurrency int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Dir == "" {
		return errors.New("input directory is required")
	}
	if cfg.Glob == "" {
		return errors.New("glob pattern is required")
	}
	if cfg.Schema == nil {
		return errors.New("schema is required")
	}
	return nil
}

// Stats summarizes one read pass.
type Stats struct {
	Files   int
	Records int
	// Skipped counts malformed lines dropped under the lenient policy.
	Skipped int
}

type fileResult struct {
	records []schema.Record
	skipped int
}

// Read discovers files matching cfg.Glob under cfg.Dir, decodes them
// concurrently, and returns all records in deterministic (sorted file
// path) order so that reruns on unchanged input see the same sequence.
func Read(ctx context.Context, cfg Config) ([]schema.Record, Stats, error) {
	if err := cfg.Validate(); err != nil {
		return nil, Stats{}, err
	}

	matches, err := doublestar.Glob(os.DirFS(cfg.Dir), cfg.Glob)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("failed to glob %q under %s: %w", cfg.Glob, cfg.Dir, err)
	}
	sort.Strings(matches)

	if len(matches) == 0 {
		cfg.Logger.Warn("no input files matched", "dir", cfg.Dir, "glob", cfg.Glob)
		return nil, Stats{}, nil
	}

	maxConcurrency := cfg.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = defaultMaxConcurrency
	}

	pool := pond.NewResultPool[fileResult](maxConcurrency)
	defer pool.StopAndWait()

	group := pool.NewGroupContext(ctx)
	for _, rel := range matches {
		path := filepath.Join(cfg.Dir, rel)
		group.SubmitErr(func() (fileResult, error) {
			return readFile(path, cfg.Schema, cfg.Policy)
		})
	}

	// Results come back in submission order, preserving the sorted file
	// order regardless of worker scheduling.
	results, err := group.Wait()
	if err != nil {
		return nil, Stats{}, err
	}

	stats := Stats{Files: len(matches)}
	var records []schema.Record
	for _, r := range results {
		records = append(records, r.records...)
		stats.Skipped += r.skipped
	}
	stats.Records = len(records)

	cfg.Logger.Debug("input read completed",
		"schema", cfg.Schema.Name,
		"files", stats.Files,
		"records", stats.Records,
		"skipped", stats.Skipped)
	return records, stats, nil
}

func readFile(path string, s *schema.Schema, policy schema.Policy) (fileResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return fileResult{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var res fileResult
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var raw map[string]any
		if err := json.Unmarshal(line, &raw); err != nil {
			if policy == schema.PolicyStrict {
				return fileResult{}, fmt.Errorf("%s:%d: invalid JSON: %w", path, lineNo, err)
			}
			res.skipped++
			continue
		}

		rec, err := s.Apply(raw, policy)
		if err != nil {
			return fileResult{}, fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		res.records = append(res.records, rec)
	}
	if err := scanner.Err(); err != nil {
		return fileResult{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return res, nil
}
