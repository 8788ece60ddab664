// Package catalog transforms song-catalog records into the songs and
// artists dimension tables.
package catalog

import (
	"github.com/tunelake/tunelake/pkg/etl/surrogate"
	"github.com/tunelake/tunelake/pkg/schema"
)

// Schema describes one line of the song catalog dataset.
func Schema() *schema.Schema {
	return &schema.Schema{
		Name: "catalog",
		Fields: []schema.Field{
			{Name: "num_songs", Type: schema.TypeInteger},
			{Name: "artist_id", Type: schema.TypeString},
			{Name: "artist_latitude", Type: schema.TypeDouble},
			{Name: "artist_longitude", Type: schema.TypeDouble},
			{Name: "artist_location", Type: schema.TypeString},
			{Name: "artist_name", Type: schema.TypeString},
			{Name: "song_id", Type: schema.TypeString},
			{Name: "title", Type: schema.TypeString},
			{Name: "duration", Type: schema.TypeDouble},
			{Name: "year", Type: schema.TypeInteger},
		},
	}
}

// Song is one row of the songs dimension. SongID is a generated
// surrogate; Year follows the source convention of 0 for unknown.
type Song struct {
	SongID   int64
	Title    string
	ArtistID string
	Year     *int32
	Duration *float64
}

// Artist is one row of the artists dimension, keyed on the source
// artist_id. Distinct metadata variants of the same artist_id survive
// as separate rows.
type Artist struct {
	ArtistID  string
	Name      string
	Location  string
	Latitude  *float64
	Longitude *float64
}

type songKey struct {
	title, artistID string
	year            int32
	yearNull        bool
	duration        float64
	durationNull    bool
}

type artistKey struct {
	id, name, location string
	lat, lon           float64
	latNull, lonNull   bool
}

// Songs projects catalog records to {title, artist_id, year, duration},
// removes exact-duplicate tuples, and assigns each surviving row a
// surrogate song_id. First occurrence wins; input order is preserved.
func Songs(records []schema.Record, gen *surrogate.Generator) []Song {
	seen := make(map[songKey]struct{}, len(records))
	songs := make([]Song, 0, len(records))
	for _, rec := range records {
		title, _ := rec.String("title")
		artistID, _ := rec.String("artist_id")
		year, yearOK := rec.Integer("year")
		duration, durOK := rec.Double("duration")

		key := songKey{
			title:        title,
			artistID:     artistID,
			year:         year,
			yearNull:     !yearOK,
			duration:     duration,
			durationNull: !durOK,
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		s := Song{
			SongID:   gen.Next(),
			Title:    title,
			ArtistID: artistID,
		}
		if yearOK {
			s.Year = &year
		}
		if durOK {
			s.Duration = &duration
		}
		songs = append(songs, s)
	}
	return songs
}

// Artists projects catalog records to {artist_id, name, location,
// latitude, longitude} and removes exact-duplicate tuples keyed on the
// full projection. First occurrence wins; input order is preserved.
func Artists(records []schema.Record) []Artist {
	seen := make(map[artistKey]struct{}, len(records))
	artists := make([]Artist, 0, len(records))
	for _, rec := range records {
		id, _ := rec.String("artist_id")
		name, _ := rec.String("artist_name")
		location, _ := rec.String("artist_location")
		lat, latOK := rec.Double("artist_latitude")
		lon, lonOK := rec.Double("artist_longitude")

		key := artistKey{
			id:       id,
			name:     name,
			location: location,
			lat:      lat,
			latNull:  !latOK,
			lon:      lon,
			lonNull:  !lonOK,
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		a := Artist{
			ArtistID: id,
			Name:     name,
			Location: location,
		}
		if latOK {
			a.Latitude = &lat
		}
		if lonOK {
			a.Longitude = &lon
		}
		artists = append(artists, a)
	}
	return artists
}
