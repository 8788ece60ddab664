// Package events transforms user-activity log records into playback
// events and the users and time dimension tables.
package events

import (
	"fmt"
	"strconv"
	"time"

	"github.com/tunelake/tunelake/pkg/schema"
)

// PageNextSong marks a playback event in the activity log; every other
// page type is discarded.
const PageNextSong = "NextSong"

// Schema describes one line of the activity-log dataset. userId is a
// string in the raw JSON (empty for anonymous sessions) and is parsed
// to an integer during projection.
func Schema() *schema.Schema {
	return &schema.Schema{
		Name: "events",
		Fields: []schema.Field{
			{Name: "artist", Type: schema.TypeString},
			{Name: "auth", Type: schema.TypeString},
			{Name: "firstName", Type: schema.TypeString},
			{Name: "gender", Type: schema.TypeString},
			{Name: "itemInSession", Type: schema.TypeInteger},
			{Name: "lastName", Type: schema.TypeString},
			{Name: "length", Type: schema.TypeDouble},
			{Name: "level", Type: schema.TypeString},
			{Name: "location", Type: schema.TypeString},
			{Name: "method", Type: schema.TypeString},
			{Name: "page", Type: schema.TypeString},
			{Name: "registration", Type: schema.TypeDouble},
			{Name: "sessionId", Type: schema.TypeInteger},
			{Name: "song", Type: schema.TypeString},
			{Name: "status", Type: schema.TypeInteger},
			{Name: "ts", Type: schema.TypeTimestamp},
			{Name: "userAgent", Type: schema.TypeString},
			{Name: "userId", Type: schema.TypeString},
		},
	}
}

// Play is one filtered playback event.
type Play struct {
	StartTime time.Time
	UserID    *int32
	FirstName string
	LastName  string
	Gender    string
	Level     string
	Song      string
	Artist    string
	SessionID *int32
	Location  string
	UserAgent string
}

// User is one row of the users dimension. A user appears once per
// distinct (user_id, first_name, last_name, gender, level) tuple, so a
// subscription-tier change yields a second row.
type User struct {
	UserID    int32
	FirstName string
	LastName  string
	Gender    string
	Level     string
}

// TimeRow is one row of the time dimension. All derived fields are
// computed from the StartTime they annotate.
type TimeRow struct {
	StartTime time.Time
	Hour      int32
	Day       int32
	Week      int32
	Month     int32
	Year      int32
	Weekday   string
}

// FromRecords filters activity-log records to NextSong playback events
// and projects them to Play values. Events without a usable ts are
// skipped under the lenient policy and rejected under strict; the skip
// count is returned alongside the plays.
func FromRecords(records []schema.Record, policy schema.Policy) ([]Play, int, error) {
	plays := make([]Play, 0, len(records))
	skipped := 0
	for i, rec := range records {
		page, _ := rec.String("page")
		if page != PageNextSong {
			continue
		}

		ts, ok := rec.Timestamp("ts")
		if !ok {
			if policy == schema.PolicyStrict {
				return nil, 0, fmt.Errorf("record %d: %s event has no ts", i, PageNextSong)
			}
			skipped++
			continue
		}

		p := Play{StartTime: ts}
		p.FirstName, _ = rec.String("firstName")
		p.LastName, _ = rec.String("lastName")
		p.Gender, _ = rec.String("gender")
		p.Level, _ = rec.String("level")
		p.Song, _ = rec.String("song")
		p.Artist, _ = rec.String("artist")
		p.Location, _ = rec.String("location")
		p.UserAgent, _ = rec.String("userAgent")
		if sid, ok := rec.Integer("sessionId"); ok {
			p.SessionID = &sid
		}
		if raw, ok := rec.String("userId"); ok && raw != "" {
			id, err := strconv.ParseInt(raw, 10, 32)
			if err != nil {
				if policy == schema.PolicyStrict {
					return nil, 0, fmt.Errorf("record %d: invalid userId %q: %w", i, raw, err)
				}
			} else {
				uid := int32(id)
				p.UserID = &uid
			}
		}
		plays = append(plays, p)
	}
	return plays, skipped, nil
}

type userKey struct {
	id                         int32
	first, last, gender, level string
}

// Users projects plays to the users dimension, deduping on the full
// tuple. Plays without a user id are excluded. First occurrence wins;
// input order is preserved.
func Users(plays []Play) []User {
	seen := make(map[userKey]struct{}, len(plays))
	users := make([]User, 0, len(plays))
	for _, p := range plays {
		if p.UserID == nil {
			continue
		}
		key := userKey{
			id:     *p.UserID,
			first:  p.FirstName,
			last:   p.LastName,
			gender: p.Gender,
			level:  p.Level,
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		users = append(users, User{
			UserID:    *p.UserID,
			FirstName: p.FirstName,
			LastName:  p.LastName,
			Gender:    p.Gender,
			Level:     p.Level,
		})
	}
	return users
}

// TimeRows derives the time dimension from the distinct start times in
// the play stream. hour/day/week/month/year/weekday are all computed
// from the same start_time value; week is the ISO week number and
// weekday the abbreviated name ("Mon".."Sun").
func TimeRows(plays []Play) []TimeRow {
	seen := make(map[int64]struct{}, len(plays))
	rows := make([]TimeRow, 0, len(plays))
	for _, p := range plays {
		key := p.StartTime.UnixMilli()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		rows = append(rows, DeriveTime(p.StartTime))
	}
	return rows
}

// DeriveTime computes one time-dimension row from a single timestamp.
func DeriveTime(ts time.Time) TimeRow {
	ts = ts.UTC()
	_, week := ts.ISOWeek()
	return TimeRow{
		StartTime: ts,
		Hour:      int32(ts.Hour()),
		Day:       int32(ts.Day()),
		Week:      int32(week),
		Month:     int32(ts.Month()),
		Year:      int32(ts.Year()),
		Weekday:   ts.Format("Mon"),
	}
}
