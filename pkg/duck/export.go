package duck

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ExportConfig describes a Parquet export of a working table.
//
// With PartitionBy set, the destination is a directory that receives a
// hive-style subdirectory per partition value. Without it, the table is
// written as a single <dest>/<table>.parquet file.
type ExportConfig struct {
	TableName   string
	Dest        string // resolved storage path plus table name
	PartitionBy []string
}

// ExportParquet writes a working table to columnar storage. A rerun
// replaces the table's entire output location; partial-partition overwrite
// is not supported.
func ExportParquet(ctx context.Context, log *slog.Logger, conn Connection, cfg ExportConfig) error {
	if cfg.TableName == "" {
		return fmt.Errorf("table name is required")
	}
	if cfg.Dest == "" {
		return fmt.Errorf("export destination is required")
	}

	exportStart := time.Now()

	db := conn.DB()
	source := fmt.Sprintf(`%s.%s."%s"`, db.Catalog(), db.Schema(), cfg.TableName)

	var copySQL string
	if len(cfg.PartitionBy) > 0 {
		copySQL = fmt.Sprintf("COPY (SELECT * FROM %s) TO '%s' (FORMAT PARQUET, PARTITION_BY (%s), OVERWRITE)",
			source, cfg.Dest, strings.Join(cfg.PartitionBy, ", "))
	} else {
		copySQL = fmt.Sprintf("COPY (SELECT * FROM %s) TO '%s/%s.parquet' (FORMAT PARQUET)",
			source, cfg.Dest, cfg.TableName)
	}

	if _, err := conn.ExecContext(ctx, copySQL); err != nil {
		return fmt.Errorf("failed to export %s to parquet: %w", cfg.TableName, err)
	}

	log.Debug("parquet export completed",
		"table", cfg.TableName,
		"dest", cfg.Dest,
		"partition_by", strings.Join(cfg.PartitionBy, ","),
		"duration", time.Since(exportStart).String())
	return nil
}
