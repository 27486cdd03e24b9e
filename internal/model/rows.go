// Package model holds the star-schema rows produced by the transformers and
// written by the loader.
//
// Every row type exposes Values(), which returns column values in the same
// order as the insert columns of the matching table in internal/schema.
// Nullable fields are pointers; a nil pointer is written as SQL NULL.
package model

import "time"

// Subscription levels accepted for users and songplays.
const (
	LevelFree = "free"
	LevelPaid = "paid"
)

// SongKey identifies a song as it appears in activity logs: title, artist
// name and duration in seconds. Matching is exact.
type SongKey struct {
	Title    string
	Artist   string
	Duration float64
}

// SongMatch is the result of resolving a SongKey against loaded songs.
type SongMatch struct {
	SongID   string
	ArtistID string
}

type SongRow struct {
	SongID   string
	Title    string
	ArtistID string
	Year     int64
	Duration float64
}

func (r SongRow) Values() []any {
	return []any{r.SongID, r.Title, r.ArtistID, r.Year, r.Duration}
}

type ArtistRow struct {
	ArtistID  string
	Name      string
	Location  *string
	Latitude  *float64
	Longitude *float64
}

func (r ArtistRow) Values() []any {
	return []any{r.ArtistID, r.Name, nullString(r.Location), nullFloat(r.Latitude), nullFloat(r.Longitude)}
}

type UserRow struct {
	UserID    string
	FirstName *string
	LastName  *string
	Gender    *string
	Level     *string
}

func (r UserRow) Values() []any {
	return []any{r.UserID, nullString(r.FirstName), nullString(r.LastName), nullString(r.Gender), nullString(r.Level)}
}

// TimeRow is fully determined by StartTime (UTC). Weekday counts from
// Monday=0 to Sunday=6 and Week is the ISO-8601 week number.
type TimeRow struct {
	StartTime time.Time
	Hour      int
	Day       int
	Week      int
	Month     int
	Year      int
	Weekday   int
}

func (r TimeRow) Values() []any {
	return []any{r.StartTime, r.Hour, r.Day, r.Week, r.Month, r.Year, r.Weekday}
}

// NewTimeRow derives the calendar breakdown of t in UTC.
func NewTimeRow(t time.Time) TimeRow {
	t = t.UTC()
	_, week := t.ISOWeek()
	return TimeRow{
		StartTime: t,
		Hour:      t.Hour(),
		Day:       t.Day(),
		Week:      week,
		Month:     int(t.Month()),
		Year:      t.Year(),
		Weekday:   (int(t.Weekday()) + 6) % 7,
	}
}

// SongPlayRow is one listening event. SongID and ArtistID are nil when the
// played song could not be matched to loaded song metadata.
type SongPlayRow struct {
	StartTime time.Time
	UserID    *string
	Level     *string
	SongID    *string
	ArtistID  *string
	SessionID int64
	Location  *string
	UserAgent *string
}

func (r SongPlayRow) Values() []any {
	return []any{
		r.StartTime,
		nullString(r.UserID),
		nullString(r.Level),
		nullString(r.SongID),
		nullString(r.ArtistID),
		r.SessionID,
		nullString(r.Location),
		nullString(r.UserAgent),
	}
}

func nullString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}
