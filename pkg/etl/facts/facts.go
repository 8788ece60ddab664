// Package facts joins playback events against the dimension tables to
// assemble the songplays fact table.
package facts

import (
	"fmt"
	"sort"
	"time"

	"github.com/tunelake/tunelake/pkg/etl/catalog"
	"github.com/tunelake/tunelake/pkg/etl/events"
	"github.com/tunelake/tunelake/pkg/etl/surrogate"
)

// UnmatchedPolicy controls what happens to plays whose song or artist
// text has no catalog match.
type UnmatchedPolicy int

const (
	// UnmatchedRetain keeps unmatched plays with null song_id/artist_id.
	UnmatchedRetain UnmatchedPolicy = iota
	// UnmatchedDrop excludes plays unless both joins resolve.
	UnmatchedDrop
)

func ParseUnmatchedPolicy(s string) (UnmatchedPolicy, error) {
	switch s {
	case "retain":
		return UnmatchedRetain, nil
	case "drop":
		return UnmatchedDrop, nil
	default:
		return 0, fmt.Errorf("invalid unmatched-plays policy %q (want retain or drop)", s)
	}
}

func (p UnmatchedPolicy) String() string {
	if p == UnmatchedDrop {
		return "drop"
	}
	return "retain"
}

// Songplay is one row of the songplays fact table. SongID and ArtistID
// are null when the play's free-text song/artist fields found no exact
// catalog match. Year and Month mirror the matching time row and key
// the output partitioning.
type Songplay struct {
	SongplayID int64
	StartTime  time.Time
	UserID     *int32
	Level      string
	SongID     *int64
	ArtistID   *string
	SessionID  *int32
	Location   string
	UserAgent  string
	Year       int32
	Month      int32
}

// Input carries the filtered plays and the already-built dimension
// tables. Tables are handed over in memory so the fact build never
// observes a partially-written store.
type Input struct {
	Plays   []events.Play
	Songs   []catalog.Song
	Artists []catalog.Artist
	Time    []events.TimeRow
}

// Build resolves each play's song and artist text against the
// dimensions by exact match, attaches the time row for its start time,
// and assigns surrogate songplay ids. When a title or name appears on
// several dimension rows the row with the lowest id (first built) wins,
// keeping the output deterministic. Rows come back grouped by
// (year, month) to co-locate output partitions.
func Build(in Input, gen *surrogate.Generator, policy UnmatchedPolicy) []Songplay {
	// A null song/artist text projects to the empty string, and so does a
	// null catalog title/name. Empty keys stay out of the join maps so
	// null never matches null.
	songByTitle := make(map[string]int64, len(in.Songs))
	for _, s := range in.Songs {
		if s.Title == "" {
			continue
		}
		if _, ok := songByTitle[s.Title]; !ok {
			songByTitle[s.Title] = s.SongID
		}
	}
	artistByName := make(map[string]string, len(in.Artists))
	for _, a := range in.Artists {
		if a.Name == "" {
			continue
		}
		if _, ok := artistByName[a.Name]; !ok {
			artistByName[a.Name] = a.ArtistID
		}
	}
	timeByMilli := make(map[int64]events.TimeRow, len(in.Time))
	for _, tr := range in.Time {
		timeByMilli[tr.StartTime.UnixMilli()] = tr
	}

	rows := make([]Songplay, 0, len(in.Plays))
	for _, p := range in.Plays {
		var songID *int64
		if id, ok := songByTitle[p.Song]; ok {
			songID = &id
		}
		var artistID *string
		if id, ok := artistByName[p.Artist]; ok {
			artistID = &id
		}
		if policy == UnmatchedDrop && (songID == nil || artistID == nil) {
			continue
		}

		// Time is derived from this same event stream, so the lookup
		// should always hit; recompute if it somehow does not.
		tr, ok := timeByMilli[p.StartTime.UnixMilli()]
		if !ok {
			tr = events.DeriveTime(p.StartTime)
		}

		rows = append(rows, Songplay{
			SongplayID: gen.Next(),
			StartTime:  p.StartTime,
			UserID:     p.UserID,
			Level:      p.Level,
			SongID:     songID,
			ArtistID:   artistID,
			SessionID:  p.SessionID,
			Location:   p.Location,
			UserAgent:  p.UserAgent,
			Year:       tr.Year,
			Month:      tr.Month,
		})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Year != rows[j].Year {
			return rows[i].Year < rows[j].Year
		}
		return rows[i].Month < rows[j].Month
	})
	return rows
}
