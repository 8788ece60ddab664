package etl

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/tunelake/tunelake/pkg/duck"
	"github.com/tunelake/tunelake/pkg/etl/facts"
	"github.com/tunelake/tunelake/pkg/schema"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	if testing.Verbose() {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDB(t *testing.T) *duck.Database {
	t.Helper()

	db, err := duck.NewDB(context.Background(), testLogger(t), "")
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	return db
}

func writeFixture(t *testing.T, dir, rel string, lines ...string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	content := ""
	for _, line := range lines {
		content += line + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// writeInputFixture lays out a small catalog and activity log in the
// conventional nested directory structure.
func writeInputFixture(t *testing.T, inputDir string) {
	t.Helper()

	writeFixture(t, inputDir, "song_data/A/A/A/TRAAAAA.json",
		`{"num_songs": 1, "artist_id": "AR1", "artist_latitude": 51.50, "artist_longitude": -0.12, "artist_location": "London, England", "artist_name": "Led Zeppelin", "song_id": "SOAAA1", "title": "Immigrant Song", "duration": 144.03, "year": 1970}`,
	)
	writeFixture(t, inputDir, "song_data/A/A/B/TRAABBB.json",
		// Same dedup key as the row below it, differing num_songs.
		`{"num_songs": 1, "artist_id": "AR2", "artist_name": "The Beatles", "artist_location": "Liverpool, England", "song_id": "SOBBB1", "title": "Let It Be", "duration": 243.82, "year": 1970}`,
		`{"num_songs": 12, "artist_id": "AR2", "artist_name": "The Beatles", "artist_location": "Liverpool, England", "song_id": "SOBBB2", "title": "Let It Be", "duration": 243.82, "year": 1970}`,
	)

	writeFixture(t, inputDir, "log_data/2018/11/2018-11-15-events.json",
		`{"artist": "Led Zeppelin", "auth": "Logged In", "firstName": "Ryan", "gender": "M", "itemInSession": 0, "lastName": "Smith", "length": 144.03, "level": "free", "location": "San Jose-Sunnyvale-Santa Clara, CA", "method": "PUT", "page": "NextSong", "registration": 1541016707796.0, "sessionId": 583, "song": "Immigrant Song", "status": 200, "ts": 1542241826796, "userAgent": "Mozilla/5.0", "userId": "26"}`,
		`{"artist": null, "auth": "Logged In", "firstName": "Ryan", "gender": "M", "itemInSession": 1, "lastName": "Smith", "length": null, "level": "free", "location": "San Jose-Sunnyvale-Santa Clara, CA", "method": "GET", "page": "Home", "registration": 1541016707796.0, "sessionId": 583, "song": null, "status": 200, "ts": 1542241826897, "userAgent": "Mozilla/5.0", "userId": "26"}`,
		`{"artist": "Fu", "auth": "Logged In", "firstName": "Kaylee", "gender": "F", "itemInSession": 2, "lastName": "Summers", "length": 280.05, "level": "paid", "location": "Phoenix-Mesa-Scottsdale, AZ", "method": "PUT", "page": "NextSong", "registration": 1540344794796.0, "sessionId": 139, "song": "Ja I Ty", "status": 200, "ts": 1542242000000, "userAgent": "Mozilla/5.0", "userId": "8"}`,
	)
}

func runPipeline(t *testing.T, db *duck.Database, inputDir, outputDir string, unmatched facts.UnmatchedPolicy) {
	t.Helper()

	p, err := New(Config{
		Logger:         testLogger(t),
		Clock:          clockwork.NewRealClock(),
		DB:             db,
		InputDir:       inputDir,
		OutputPath:     outputDir,
		SchemaPolicy:   schema.PolicyLenient,
		UnmatchedPlays: unmatched,
	})
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))
}

func queryInt(t *testing.T, conn duck.Connection, query string) int {
	t.Helper()
	var n int
	require.NoError(t, conn.QueryRowContext(context.Background(), query).Scan(&n))
	return n
}

func TestETL_Pipeline(t *testing.T) {
	t.Parallel()

	t.Run("builds_all_five_tables", func(t *testing.T) {
		t.Parallel()

		inputDir := t.TempDir()
		outputDir := t.TempDir()
		writeInputFixture(t, inputDir)

		db := newTestDB(t)
		runPipeline(t, db, inputDir, outputDir, facts.UnmatchedRetain)

		conn, err := db.Conn(context.Background())
		require.NoError(t, err)
		defer conn.Close()

		// Song dedup: two Let It Be rows share the dedup key, so two
		// songs total.
		songsGlob := fmt.Sprintf("%s/songs/*/*/*.parquet", outputDir)
		require.Equal(t, 2, queryInt(t, conn,
			fmt.Sprintf(`SELECT count(*) FROM read_parquet('%s', hive_partitioning = true)`, songsGlob)))

		require.Equal(t, 2, queryInt(t, conn,
			fmt.Sprintf(`SELECT count(*) FROM read_parquet('%s/artists/artists.parquet')`, outputDir)))

		// Two distinct users; the Home event contributes nothing.
		require.Equal(t, 2, queryInt(t, conn,
			fmt.Sprintf(`SELECT count(*) FROM read_parquet('%s/users/users.parquet')`, outputDir)))

		timeGlob := fmt.Sprintf("%s/time/*/*/*.parquet", outputDir)
		require.Equal(t, 2, queryInt(t, conn,
			fmt.Sprintf(`SELECT count(*) FROM read_parquet('%s', hive_partitioning = true)`, timeGlob)))

		songplaysGlob := fmt.Sprintf("%s/songplays/*/*/*.parquet", outputDir)
		require.Equal(t, 2, queryInt(t, conn,
			fmt.Sprintf(`SELECT count(*) FROM read_parquet('%s', hive_partitioning = true)`, songplaysGlob)))
	})

	t.Run("matched_play_resolves_keys_and_start_time", func(t *testing.T) {
		t.Parallel()

		inputDir := t.TempDir()
		outputDir := t.TempDir()
		writeInputFixture(t, inputDir)

		db := newTestDB(t)
		runPipeline(t, db, inputDir, outputDir, facts.UnmatchedRetain)

		conn, err := db.Conn(context.Background())
		require.NoError(t, err)
		defer conn.Close()

		var userID int
		var level, artistID string
		var songID int64
		var startTime time.Time
		query := fmt.Sprintf(`
			SELECT user_id, level, song_id, artist_id, start_time
			FROM read_parquet('%s/songplays/*/*/*.parquet', hive_partitioning = true)
			WHERE song_id IS NOT NULL`, outputDir)
		require.NoError(t, conn.QueryRowContext(context.Background(), query).
			Scan(&userID, &level, &songID, &artistID, &startTime))
		require.Equal(t, 26, userID)
		require.Equal(t, "free", level)
		require.Equal(t, "AR1", artistID)
		require.Equal(t, time.Date(2018, 11, 15, 0, 30, 26, 796e6, time.UTC), startTime.UTC())

		// The resolved song_id refers to exactly one songs row whose
		// title matches the play's song text.
		matches := queryInt(t, conn, fmt.Sprintf(
			`SELECT count(*) FROM read_parquet('%s/songs/*/*/*.parquet', hive_partitioning = true)
			 WHERE song_id = %d AND title = 'Immigrant Song'`, outputDir, songID))
		require.Equal(t, 1, matches)
	})

	t.Run("unmatched_play_has_null_keys_under_retain", func(t *testing.T) {
		t.Parallel()

		inputDir := t.TempDir()
		outputDir := t.TempDir()
		writeInputFixture(t, inputDir)

		db := newTestDB(t)
		runPipeline(t, db, inputDir, outputDir, facts.UnmatchedRetain)

		conn, err := db.Conn(context.Background())
		require.NoError(t, err)
		defer conn.Close()

		nulls := queryInt(t, conn, fmt.Sprintf(
			`SELECT count(*) FROM read_parquet('%s/songplays/*/*/*.parquet', hive_partitioning = true)
			 WHERE song_id IS NULL AND artist_id IS NULL`, outputDir))
		require.Equal(t, 1, nulls)
	})

	t.Run("drop_policy_excludes_unmatched_plays", func(t *testing.T) {
		t.Parallel()

		inputDir := t.TempDir()
		outputDir := t.TempDir()
		writeInputFixture(t, inputDir)

		db := newTestDB(t)
		runPipeline(t, db, inputDir, outputDir, facts.UnmatchedDrop)

		conn, err := db.Conn(context.Background())
		require.NoError(t, err)
		defer conn.Close()

		require.Equal(t, 1, queryInt(t, conn, fmt.Sprintf(
			`SELECT count(*) FROM read_parquet('%s/songplays/*/*/*.parquet', hive_partitioning = true)`, outputDir)))
	})

	t.Run("partition_columns_match_start_time", func(t *testing.T) {
		t.Parallel()

		inputDir := t.TempDir()
		outputDir := t.TempDir()
		writeInputFixture(t, inputDir)

		db := newTestDB(t)
		runPipeline(t, db, inputDir, outputDir, facts.UnmatchedRetain)

		conn, err := db.Conn(context.Background())
		require.NoError(t, err)
		defer conn.Close()

		mismatches := queryInt(t, conn, fmt.Sprintf(
			`SELECT count(*) FROM read_parquet('%s/songplays/*/*/*.parquet', hive_partitioning = true)
			 WHERE year != year(start_time) OR month != month(start_time)`, outputDir))
		require.Equal(t, 0, mismatches)

		require.DirExists(t, filepath.Join(outputDir, "songplays", "year=2018", "month=11"))
		require.DirExists(t, filepath.Join(outputDir, "time", "year=2018", "month=11"))
		require.DirExists(t, filepath.Join(outputDir, "songs", "year=1970", "artist_id=AR1"))
	})

	t.Run("rerun_fully_replaces_output", func(t *testing.T) {
		t.Parallel()

		inputDir := t.TempDir()
		outputDir := t.TempDir()
		writeInputFixture(t, inputDir)

		db := newTestDB(t)
		runPipeline(t, db, inputDir, outputDir, facts.UnmatchedRetain)
		runPipeline(t, db, inputDir, outputDir, facts.UnmatchedRetain)

		conn, err := db.Conn(context.Background())
		require.NoError(t, err)
		defer conn.Close()

		require.Equal(t, 2, queryInt(t, conn, fmt.Sprintf(
			`SELECT count(*) FROM read_parquet('%s/songplays/*/*/*.parquet', hive_partitioning = true)`, outputDir)))
		require.Equal(t, 2, queryInt(t, conn, fmt.Sprintf(
			`SELECT count(*) FROM read_parquet('%s/users/users.parquet')`, outputDir)))
	})

	t.Run("validates_config", func(t *testing.T) {
		t.Parallel()

		_, err := New(Config{})
		require.Error(t, err)

		_, err = New(Config{
			Logger: testLogger(t),
			Clock:  clockwork.NewRealClock(),
			DB:     newTestDB(t),
		})
		require.Error(t, err)
	})
}
