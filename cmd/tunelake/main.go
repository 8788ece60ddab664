package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	flag "github.com/spf13/pflag"

	"github.com/tunelake/tunelake/pkg/duck"
	"github.com/tunelake/tunelake/pkg/etl"
	"github.com/tunelake/tunelake/pkg/etl/facts"
	"github.com/tunelake/tunelake/pkg/logger"
	"github.com/tunelake/tunelake/pkg/schema"
)

const (
	defaultOutputURI      = "file://.tmp/lake/data"
	defaultMaxConcurrency = 8
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	envFileFlag := flag.String("env-file", "", "optional .env file to load before reading configuration")

	inputDirFlag := flag.String("input-dir", "", "base directory holding the raw song_data and log_data datasets (or set TUNELAKE_INPUT_DIR env var)")
	outputURIFlag := flag.String("output-uri", defaultOutputURI, "output location for the lake tables, file:// or s3:// (or set TUNELAKE_OUTPUT_URI env var)")
	dbPathFlag := flag.String("db-path", "", "optional path for the working database file (default: in-memory)")

	catalogGlobFlag := flag.String("catalog-glob", etl.DefaultCatalogGlob, "glob for song catalog files under the input directory")
	eventsGlobFlag := flag.String("events-glob", etl.DefaultEventsGlob, "glob for activity log files under the input directory")
	schemaPolicyFlag := flag.String("schema-policy", "lenient", "malformed-input handling: lenient (null/skip) or strict (abort)")
	unmatchedPlaysFlag := flag.String("unmatched-plays", "retain", "plays with no catalog match: retain (null keys) or drop")
	maxConcurrencyFlag := flag.Int("max-concurrency", defaultMaxConcurrency, "maximum number of concurrently decoded input files")

	flag.Parse()

	if *envFileFlag != "" {
		if err := godotenv.Load(*envFileFlag); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", *envFileFlag, err)
		}
	}

	// Override flags with environment variables if set
	if envInputDir := os.Getenv("TUNELAKE_INPUT_DIR"); envInputDir != "" && *inputDirFlag == "" {
		*inputDirFlag = envInputDir
	}
	if envOutputURI := os.Getenv("TUNELAKE_OUTPUT_URI"); envOutputURI != "" && *outputURIFlag == defaultOutputURI {
		*outputURIFlag = envOutputURI
	}

	if *inputDirFlag == "" {
		return fmt.Errorf("input directory is required (--input-dir or TUNELAKE_INPUT_DIR)")
	}

	schemaPolicy, err := schema.ParsePolicy(*schemaPolicyFlag)
	if err != nil {
		return err
	}
	unmatchedPlays, err := facts.ParseUnmatchedPolicy(*unmatchedPlaysFlag)
	if err != nil {
		return err
	}

	log := logger.New(*verboseFlag)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := <-sigCh
		log.Info("received signal", "signal", sig.String())
		cancel()
	}()

	s3Config, err := duck.PrepareS3ConfigForStorageURI(ctx, log, *outputURIFlag)
	if err != nil {
		return err
	}

	db, err := duck.NewDB(ctx, log, *dbPathFlag)
	if err != nil {
		return fmt.Errorf("failed to create working database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("failed to close working database", "error", err)
		}
	}()

	if err := duck.ConfigureStorage(ctx, log, db, *outputURIFlag, s3Config); err != nil {
		return err
	}

	outputPath, err := duck.ResolveStoragePath(*outputURIFlag)
	if err != nil {
		return err
	}

	pipeline, err := etl.New(etl.Config{
		Logger:         log,
		Clock:          clockwork.NewRealClock(),
		DB:             db,
		InputDir:       *inputDirFlag,
		OutputPath:     outputPath,
		CatalogGlob:    *catalogGlobFlag,
		EventsGlob:     *eventsGlobFlag,
		SchemaPolicy:   schemaPolicy,
		UnmatchedPlays: unmatchedPlays,
		MaxConcurrency: *maxConcurrencyFlag,
	})
	if err != nil {
		return err
	}

	return pipeline.Run(ctx)
}
