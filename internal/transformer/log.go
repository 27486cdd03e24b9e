package transformer

import (
	"context"
	"fmt"
	"time"

	"sparkify/internal/model"
)

// DefaultNextSongPage is the page value that marks a song-play event.
const DefaultNextSongPage = "NextSong"

type LogOptions struct {
	// NextSongPage selects song-play events; records with any other page
	// are discarded. Empty means DefaultNextSongPage.
	NextSongPage string
}

// SongResolver matches (title, artist, duration) keys to loaded songs.
// storage.Repository satisfies it.
type SongResolver interface {
	LookupSongs(ctx context.Context, keys []model.SongKey) (map[model.SongKey]model.SongMatch, error)
}

// LogRows is the output of TransformLog for one log file.
type LogRows struct {
	Times     []model.TimeRow
	Users     []model.UserRow
	SongPlays []model.SongPlayRow

	Kept      int // records that passed the page filter
	Discarded int // records with another page
	Resolved  int // song plays matched to a song
}

type playEvent struct {
	start     time.Time
	userID    string
	first     *string
	last      *string
	gender    *string
	level     *string
	sessionID int64
	location  *string
	userAgent *string
	key       *model.SongKey
}

// TransformLog filters activity records to song plays and derives time,
// user and songplay rows from them.
//
//   - One time row per distinct timestamp, in first-seen order.
//   - Users with an empty id are dropped; exact duplicate tuples collapse to
//     their last occurrence so a later state is written after an earlier one.
//   - One songplay row per kept record. Song keys are resolved with a single
//     resolver call; unmatched plays keep nil song and artist ids.
//
// Any malformed kept record fails the whole batch with *MalformedRecordError
// before the resolver is called.
func TransformLog(ctx context.Context, recs []Record, opts LogOptions, resolver SongResolver) (LogRows, error) {
	page := opts.NextSongPage
	if page == "" {
		page = DefaultNextSongPage
	}

	var out LogRows
	events := make([]playEvent, 0, len(recs))
	for _, rec := range recs {
		if p, ok := rec.Fields["page"].(string); !ok || p != page {
			out.Discarded++
			continue
		}
		ev, err := parsePlayEvent(rec)
		if err != nil {
			return LogRows{}, err
		}
		events = append(events, ev)
	}
	out.Kept = len(events)

	out.Times = timeRows(events)
	out.Users = userRows(events)

	matches, err := resolve(ctx, events, resolver)
	if err != nil {
		return LogRows{}, err
	}

	out.SongPlays = make([]model.SongPlayRow, 0, len(events))
	for _, ev := range events {
		row := model.SongPlayRow{
			StartTime: ev.start,
			Level:     ev.level,
			SessionID: ev.sessionID,
			Location:  ev.location,
			UserAgent: ev.userAgent,
		}
		if ev.userID != "" {
			id := ev.userID
			row.UserID = &id
		}
		if ev.key != nil {
			if m, ok := matches[*ev.key]; ok {
				songID, artistID := m.SongID, m.ArtistID
				row.SongID = &songID
				row.ArtistID = &artistID
				out.Resolved++
			}
		}
		out.SongPlays = append(out.SongPlays, row)
	}
	return out, nil
}

func parsePlayEvent(rec Record) (playEvent, error) {
	var ev playEvent

	ts, err := requiredInt(rec, "ts")
	if err != nil {
		return playEvent{}, err
	}
	ev.start = time.UnixMilli(ts).UTC()

	if ev.userID, err = optionalID(rec, "userId"); err != nil {
		return playEvent{}, err
	}
	if ev.first, err = optionalString(rec, "firstName"); err != nil {
		return playEvent{}, err
	}
	if ev.last, err = optionalString(rec, "lastName"); err != nil {
		return playEvent{}, err
	}
	if ev.gender, err = optionalString(rec, "gender"); err != nil {
		return playEvent{}, err
	}
	if ev.level, err = optionalString(rec, "level"); err != nil {
		return playEvent{}, err
	}
	if ev.level != nil && *ev.level != model.LevelFree && *ev.level != model.LevelPaid {
		return playEvent{}, fieldErr(rec, "level", fmt.Errorf("%w: %q is not free or paid", ErrInvalidValue, *ev.level))
	}
	if ev.sessionID, err = requiredInt(rec, "sessionId"); err != nil {
		return playEvent{}, err
	}
	if ev.location, err = optionalString(rec, "location"); err != nil {
		return playEvent{}, err
	}
	if ev.userAgent, err = optionalString(rec, "userAgent"); err != nil {
		return playEvent{}, err
	}

	song, err := optionalString(rec, "song")
	if err != nil {
		return playEvent{}, err
	}
	artist, err := optionalString(rec, "artist")
	if err != nil {
		return playEvent{}, err
	}
	length, err := optionalFloat(rec, "length")
	if err != nil {
		return playEvent{}, err
	}
	if song != nil && artist != nil && length != nil {
		ev.key = &model.SongKey{Title: *song, Artist: *artist, Duration: *length}
	}
	return ev, nil
}

func timeRows(events []playEvent) []model.TimeRow {
	seen := make(map[int64]bool, len(events))
	out := make([]model.TimeRow, 0, len(events))
	for _, ev := range events {
		ms := ev.start.UnixMilli()
		if seen[ms] {
			continue
		}
		seen[ms] = true
		out = append(out, model.NewTimeRow(ev.start))
	}
	return out
}

type userKey struct {
	id                  string
	first, last, gender string
	level               string
	hasFirst, hasLast   bool
	hasGender, hasLevel bool
}

func keyOf(ev playEvent) userKey {
	k := userKey{id: ev.userID}
	if ev.first != nil {
		k.first, k.hasFirst = *ev.first, true
	}
	if ev.last != nil {
		k.last, k.hasLast = *ev.last, true
	}
	if ev.gender != nil {
		k.gender, k.hasGender = *ev.gender, true
	}
	if ev.level != nil {
		k.level, k.hasLevel = *ev.level, true
	}
	return k
}

// userRows keeps each distinct tuple at the position of its last occurrence.
func userRows(events []playEvent) []model.UserRow {
	lastIdx := make(map[userKey]int, len(events))
	for i, ev := range events {
		if ev.userID == "" {
			continue
		}
		lastIdx[keyOf(ev)] = i
	}

	out := make([]model.UserRow, 0, len(lastIdx))
	for i, ev := range events {
		if ev.userID == "" || lastIdx[keyOf(ev)] != i {
			continue
		}
		out = append(out, model.UserRow{
			UserID:    ev.userID,
			FirstName: ev.first,
			LastName:  ev.last,
			Gender:    ev.gender,
			Level:     ev.level,
		})
	}
	return out
}

func resolve(ctx context.Context, events []playEvent, resolver SongResolver) (map[model.SongKey]model.SongMatch, error) {
	if resolver == nil {
		return nil, nil
	}
	seen := make(map[model.SongKey]bool)
	var keys []model.SongKey
	for _, ev := range events {
		if ev.key == nil || seen[*ev.key] {
			continue
		}
		seen[*ev.key] = true
		keys = append(keys, *ev.key)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	m, err := resolver.LookupSongs(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("resolve songs: %w", err)
	}
	return m, nil
}
