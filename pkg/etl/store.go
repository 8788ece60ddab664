// Package etl sequences the lake build: reading the raw datasets,
// shaping the dimension and fact tables, and persisting them as
// partitioned Parquet.
package etl

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tunelake/tunelake/pkg/duck"
	"github.com/tunelake/tunelake/pkg/etl/catalog"
	"github.com/tunelake/tunelake/pkg/etl/events"
	"github.com/tunelake/tunelake/pkg/etl/facts"
)

// Table names under the output base path.
const (
	TableSongs     = "songs"
	TableArtists   = "artists"
	TableUsers     = "users"
	TableTime      = "time"
	TableSongplays = "songplays"
)

// Store persists the five lake tables. Each write stages the rows into
// a typed working table and exports it to Parquet under the resolved
// storage base path, fully replacing any prior output for that table.
type Store struct {
	log      *slog.Logger
	db       duck.DB
	basePath string
}

func NewStore(log *slog.Logger, db duck.DB, basePath string) *Store {
	return &Store{log: log, db: db, basePath: basePath}
}

func (s *Store) tableDest(table string) string {
	return s.basePath + "/" + table
}

// ensureLocalDir creates the table's output directory when the base
// path is a local filesystem path. DuckDB will not create parent
// directories for single-file Parquet writes.
func (s *Store) ensureLocalDir(dest string) error {
	if strings.HasPrefix(s.basePath, "s3://") {
		return nil
	}
	if err := os.MkdirAll(filepath.FromSlash(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory %s: %w", dest, err)
	}
	return nil
}

func (s *Store) writeTable(
	ctx context.Context,
	tableCfg duck.TableConfig,
	partitionBy []string,
	count int,
	writeCSVFn func(*csv.Writer, int) error,
) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	if err := duck.LoadTableViaCSV(ctx, s.log, conn, tableCfg, count, writeCSVFn); err != nil {
		return err
	}

	dest := s.tableDest(tableCfg.TableName)
	if err := s.ensureLocalDir(dest); err != nil {
		return err
	}
	return duck.ExportParquet(ctx, s.log, conn, duck.ExportConfig{
		TableName:   tableCfg.TableName,
		Dest:        dest,
		PartitionBy: partitionBy,
	})
}

// WriteSongs persists the songs dimension, partitioned by (year, artist_id).
func (s *Store) WriteSongs(ctx context.Context, songs []catalog.Song) error {
	cfg := duck.TableConfig{
		TableName: TableSongs,
		Columns: []string{
			"song_id:BIGINT",
			"title:VARCHAR",
			"artist_id:VARCHAR",
			"year:INTEGER",
			"duration:DOUBLE",
		},
	}
	return s.writeTable(ctx, cfg, []string{"year", "artist_id"}, len(songs), func(w *csv.Writer, i int) error {
		row := songs[i]
		return w.Write([]string{
			strconv.FormatInt(row.SongID, 10),
			row.Title,
			row.ArtistID,
			csvInt32Ptr(row.Year),
			csvFloat64Ptr(row.Duration),
		})
	})
}

// WriteArtists persists the artists dimension, unpartitioned.
func (s *Store) WriteArtists(ctx context.Context, artists []catalog.Artist) error {
	cfg := duck.TableConfig{
		TableName: TableArtists,
		Columns: []string{
			"artist_id:VARCHAR",
			"name:VARCHAR",
			"location:VARCHAR",
			"latitude:DOUBLE",
			"longitude:DOUBLE",
		},
	}
	return s.writeTable(ctx, cfg, nil, len(artists), func(w *csv.Writer, i int) error {
		row := artists[i]
		return w.Write([]string{
			row.ArtistID,
			row.Name,
			row.Location,
			csvFloat64Ptr(row.Latitude),
			csvFloat64Ptr(row.Longitude),
		})
	})
}

// WriteUsers persists the users dimension, unpartitioned.
func (s *Store) WriteUsers(ctx context.Context, users []events.User) error {
	cfg := duck.TableConfig{
		TableName: TableUsers,
		Columns: []string{
			"user_id:INTEGER",
			"first_name:VARCHAR",
			"last_name:VARCHAR",
			"gender:VARCHAR",
			"level:VARCHAR",
		},
	}
	return s.writeTable(ctx, cfg, nil, len(users), func(w *csv.Writer, i int) error {
		row := users[i]
		return w.Write([]string{
			strconv.FormatInt(int64(row.UserID), 10),
			row.FirstName,
			row.LastName,
			row.Gender,
			row.Level,
		})
	})
}

// WriteTime persists the time dimension, partitioned by (year, month).
func (s *Store) WriteTime(ctx context.Context, rows []events.TimeRow) error {
	cfg := duck.TableConfig{
		TableName: TableTime,
		Columns: []string{
			"start_time:TIMESTAMP",
			"hour:INTEGER",
			"day:INTEGER",
			"week:INTEGER",
			"month:INTEGER",
			"year:INTEGER",
			"weekday:VARCHAR",
		},
	}
	return s.writeTable(ctx, cfg, []string{"year", "month"}, len(rows), func(w *csv.Writer, i int) error {
		row := rows[i]
		return w.Write([]string{
			csvTimestamp(row.StartTime),
			strconv.FormatInt(int64(row.Hour), 10),
			strconv.FormatInt(int64(row.Day), 10),
			strconv.FormatInt(int64(row.Week), 10),
			strconv.FormatInt(int64(row.Month), 10),
			strconv.FormatInt(int64(row.Year), 10),
			row.Weekday,
		})
	})
}

// WriteSongplays persists the fact table, partitioned by (year, month).
func (s *Store) WriteSongplays(ctx context.Context, rows []facts.Songplay) error {
	cfg := duck.TableConfig{
		TableName: TableSongplays,
		Columns: []string{
			"songplay_id:BIGINT",
			"start_time:TIMESTAMP",
			"user_id:INTEGER",
			"level:VARCHAR",
			"song_id:BIGINT",
			"artist_id:VARCHAR",
			"session_id:INTEGER",
			"location:VARCHAR",
			"user_agent:VARCHAR",
			"year:INTEGER",
			"month:INTEGER",
		},
	}
	return s.writeTable(ctx, cfg, []string{"year", "month"}, len(rows), func(w *csv.Writer, i int) error {
		row := rows[i]
		return w.Write([]string{
			strconv.FormatInt(row.SongplayID, 10),
			csvTimestamp(row.StartTime),
			csvInt32Ptr(row.UserID),
			row.Level,
			csvInt64Ptr(row.SongID),
			csvStringPtr(row.ArtistID),
			csvInt32Ptr(row.SessionID),
			row.Location,
			row.UserAgent,
			strconv.FormatInt(int64(row.Year), 10),
			strconv.FormatInt(int64(row.Month), 10),
		})
	})
}

// Empty CSV fields load as NULL through the VARCHAR staging table.

func csvInt32Ptr(v *int32) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(int64(*v), 10)
}

func csvInt64Ptr(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

func csvFloat64Ptr(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func csvStringPtr(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func csvTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05.000")
}
