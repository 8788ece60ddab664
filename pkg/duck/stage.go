package duck

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// TableConfig describes a typed working table built from an in-memory row
// set. Columns are name:type pairs in order, e.g. "song_id:BIGINT",
// "title:VARCHAR".
type TableConfig struct {
	TableName string
	Columns   []string
}

func (cfg TableConfig) columnNames() ([]string, error) {
	names := make([]string, 0, len(cfg.Columns))
	for _, col := range cfg.Columns {
		parts := strings.SplitN(col, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid column definition %q: expected format 'name:type'", col)
		}
		names = append(names, strings.TrimSpace(parts[0]))
	}
	return names, nil
}

func (cfg TableConfig) columnDefs() ([]string, error) {
	defs := make([]string, 0, len(cfg.Columns))
	for _, col := range cfg.Columns {
		parts := strings.SplitN(col, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid column definition %q: expected format 'name:type'", col)
		}
		defs = append(defs, fmt.Sprintf("%s %s", strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])))
	}
	return defs, nil
}

// LoadTableViaCSV replaces the working table's contents from an in-memory
// row set:
//   - creates (or replaces) the typed table
//   - writes rows to a temp CSV via the callback
//   - loads the CSV through an all-VARCHAR staging table and casts on insert
//
// Empty CSV fields load as NULL and stay NULL through the cast, which is
// how absent and coerced-to-null source values reach columnar output.
func LoadTableViaCSV(
	ctx context.Context,
	log *slog.Logger,
	conn Connection,
	cfg TableConfig,
	count int,
	writeCSVFn func(*csv.Writer, int) error,
) error {
	loadStart := time.Now()
	defer func() {
		log.Debug("table load completed",
			"table", cfg.TableName,
			"rows", count,
			"duration", time.Since(loadStart).String())
	}()

	if len(cfg.Columns) == 0 {
		return fmt.Errorf("columns cannot be empty")
	}

	colDefs, err := cfg.columnDefs()
	if err != nil {
		return err
	}
	colNames, err := cfg.columnNames()
	if err != nil {
		return err
	}

	db := conn.DB()
	createSQL := fmt.Sprintf(`CREATE OR REPLACE TABLE %s.%s."%s" (
		%s
	)`,
		db.Catalog(), db.Schema(), cfg.TableName,
		strings.Join(colDefs, ",\n\t\t"))
	if _, err := conn.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("failed to create table %s: %w", cfg.TableName, err)
	}

	if count == 0 {
		return nil
	}

	tmpFile, err := os.CreateTemp("", fmt.Sprintf("%s_rows_*.csv", cfg.TableName))
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmpFile.Name())
	defer tmpFile.Close()

	csvWriter := csv.NewWriter(tmpFile)
	for i := range count {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled during CSV writing: %w", ctx.Err())
		default:
		}

		if err := writeCSVFn(csvWriter, i); err != nil {
			return fmt.Errorf("failed to write CSV row %d: %w", i, err)
		}
	}
	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return fmt.Errorf("failed to flush CSV: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	return retryWithBackoff(ctx, log, fmt.Sprintf("table load %s", cfg.TableName), func() error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for %s: %w", cfg.TableName, err)
		}
		defer func() {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Error("failed to rollback transaction", "table", cfg.TableName, "error", err)
			}
		}()

		// Stage as VARCHAR; the engine casts to the target types on insert.
		stageTableName := cfg.TableName + "_stage"
		stageDefs := make([]string, len(colNames))
		for i, name := range colNames {
			stageDefs[i] = name + " VARCHAR"
		}
		createStageSQL := fmt.Sprintf(`CREATE TEMP TABLE %s (
			%s
		)`,
			stageTableName,
			strings.Join(stageDefs, ",\n\t\t"))
		if _, err := tx.ExecContext(ctx, createStageSQL); err != nil {
			return fmt.Errorf("failed to create stage table: %w", err)
		}

		copySQL := fmt.Sprintf("COPY %s FROM '%s' (FORMAT CSV, HEADER false)", stageTableName, tmpFile.Name())
		if _, err := tx.ExecContext(ctx, copySQL); err != nil {
			return fmt.Errorf("failed to COPY FROM CSV: %w", err)
		}

		colList := strings.Join(colNames, ", ")
		insertSQL := fmt.Sprintf(`INSERT INTO %s.%s."%s" (%s)
			SELECT %s FROM %s`,
			db.Catalog(), db.Schema(), cfg.TableName,
			colList,
			colList,
			stageTableName)
		if _, err := tx.ExecContext(ctx, insertSQL); err != nil {
			return fmt.Errorf("failed to insert into table %s: %w", cfg.TableName, err)
		}

		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", stageTableName)); err != nil {
			log.Error("failed to drop stage table", "error", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
}
