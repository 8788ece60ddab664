package duck

import (
	"context"
	"encoding/csv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDuck_LoadTableViaCSV(t *testing.T) {
	t.Parallel()

	cfg := TableConfig{
		TableName: "tracks",
		Columns: []string{
			"track_id:BIGINT",
			"title:VARCHAR",
			"duration:DOUBLE",
		},
	}

	t.Run("loads_typed_rows", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		db := newTestDB(t)
		conn, err := db.Conn(ctx)
		require.NoError(t, err)
		defer conn.Close()

		rows := [][]string{
			{"1", "Immigrant Song", "144.03"},
			{"2", "Kashmir", "516.78"},
		}
		err = LoadTableViaCSV(ctx, testLogger(t), conn, cfg, len(rows), func(w *csv.Writer, i int) error {
			return w.Write(rows[i])
		})
		require.NoError(t, err)

		var count int
		require.NoError(t, conn.QueryRowContext(ctx, `SELECT count(*) FROM tracks`).Scan(&count))
		require.Equal(t, 2, count)

		var title string
		var duration float64
		require.NoError(t, conn.QueryRowContext(ctx,
			`SELECT title, duration FROM tracks WHERE track_id = 2`).Scan(&title, &duration))
		require.Equal(t, "Kashmir", title)
		require.InDelta(t, 516.78, duration, 1e-9)
	})

	t.Run("empty_fields_load_as_null", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		db := newTestDB(t)
		conn, err := db.Conn(ctx)
		require.NoError(t, err)
		defer conn.Close()

		rows := [][]string{
			{"1", "Untitled", ""},
		}
		err = LoadTableViaCSV(ctx, testLogger(t), conn, cfg, len(rows), func(w *csv.Writer, i int) error {
			return w.Write(rows[i])
		})
		require.NoError(t, err)

		var nulls int
		require.NoError(t, conn.QueryRowContext(ctx,
			`SELECT count(*) FROM tracks WHERE duration IS NULL`).Scan(&nulls))
		require.Equal(t, 1, nulls)
	})

	t.Run("replaces_prior_contents", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		db := newTestDB(t)
		conn, err := db.Conn(ctx)
		require.NoError(t, err)
		defer conn.Close()

		first := [][]string{{"1", "a", "1.0"}, {"2", "b", "2.0"}}
		err = LoadTableViaCSV(ctx, testLogger(t), conn, cfg, len(first), func(w *csv.Writer, i int) error {
			return w.Write(first[i])
		})
		require.NoError(t, err)

		second := [][]string{{"3", "c", "3.0"}}
		err = LoadTableViaCSV(ctx, testLogger(t), conn, cfg, len(second), func(w *csv.Writer, i int) error {
			return w.Write(second[i])
		})
		require.NoError(t, err)

		var count int
		require.NoError(t, conn.QueryRowContext(ctx, `SELECT count(*) FROM tracks`).Scan(&count))
		require.Equal(t, 1, count)
	})

	t.Run("zero_rows_leaves_empty_table", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		db := newTestDB(t)
		conn, err := db.Conn(ctx)
		require.NoError(t, err)
		defer conn.Close()

		err = LoadTableViaCSV(ctx, testLogger(t), conn, cfg, 0, func(w *csv.Writer, i int) error {
			t.Fatal("writer must not be called for an empty row set")
			return nil
		})
		require.NoError(t, err)

		var count int
		require.NoError(t, conn.QueryRowContext(ctx, `SELECT count(*) FROM tracks`).Scan(&count))
		require.Equal(t, 0, count)
	})

	t.Run("rejects_malformed_column_definition", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		db := newTestDB(t)
		conn, err := db.Conn(ctx)
		require.NoError(t, err)
		defer conn.Close()

		bad := TableConfig{TableName: "bad", Columns: []string{"no_type"}}
		err = LoadTableViaCSV(ctx, testLogger(t), conn, bad, 0, nil)
		require.Error(t, err)
		require.Contains(t, err.Error(), "invalid column definition")
	})
}
