// Package schema defines the sparkify star schema and provisions it.
package schema

import "sparkify/internal/storage"

// Table names.
const (
	Artists   = "artists"
	Songs     = "songs"
	Users     = "users"
	Time      = "time"
	SongPlays = "songplays"
)

func nullable() *bool {
	b := true
	return &b
}

// Tables returns the star schema in dependency order: every table appears
// after the tables it references.
func Tables() []storage.TableSpec {
	return []storage.TableSpec{
		{
			Name: Artists,
			Columns: []storage.ColumnSpec{
				{Name: "artist_id", Type: storage.TypeID},
				{Name: "name", Type: storage.TypeText},
				{Name: "location", Type: storage.TypeText, Nullable: nullable()},
				{Name: "latitude", Type: storage.TypeDouble, Nullable: nullable()},
				{Name: "longitude", Type: storage.TypeDouble, Nullable: nullable()},
			},
			Constraints: []storage.ConstraintSpec{
				{Kind: storage.ConstraintPrimaryKey, Columns: []string{"artist_id"}},
			},
			Load: storage.LoadSpec{Conflict: &storage.ConflictSpec{
				TargetColumns: []string{"artist_id"},
				Action:        storage.ActionDoNothing,
			}},
		},
		{
			Name: Songs,
			Columns: []storage.ColumnSpec{
				{Name: "song_id", Type: storage.TypeID},
				{Name: "title", Type: storage.TypeText},
				{Name: "artist_id", Type: storage.TypeID, References: Artists + "(artist_id)"},
				{Name: "year", Type: storage.TypeInt},
				{Name: "duration", Type: storage.TypeDouble},
			},
			Constraints: []storage.ConstraintSpec{
				{Kind: storage.ConstraintPrimaryKey, Columns: []string{"song_id"}},
			},
			Load: storage.LoadSpec{Conflict: &storage.ConflictSpec{
				TargetColumns: []string{"song_id"},
				Action:        storage.ActionDoNothing,
			}},
		},
		{
			Name: Users,
			Columns: []storage.ColumnSpec{
				{Name: "user_id", Type: storage.TypeID},
				{Name: "first_name", Type: storage.TypeText, Nullable: nullable()},
				{Name: "last_name", Type: storage.TypeText, Nullable: nullable()},
				{Name: "gender", Type: storage.TypeText, Nullable: nullable()},
				{Name: "level", Type: storage.TypeText, Nullable: nullable()},
			},
			Constraints: []storage.ConstraintSpec{
				{Kind: storage.ConstraintPrimaryKey, Columns: []string{"user_id"}},
			},
			// Last write wins: a user's level changes over time.
			Load: storage.LoadSpec{Conflict: &storage.ConflictSpec{
				TargetColumns: []string{"user_id"},
				Action:        storage.ActionUpdate,
			}},
		},
		{
			Name: Time,
			Columns: []storage.ColumnSpec{
				{Name: "start_time", Type: storage.TypeTimestamp},
				{Name: "hour", Type: storage.TypeInt},
				{Name: "day", Type: storage.TypeInt},
				{Name: "week", Type: storage.TypeInt},
				{Name: "month", Type: storage.TypeInt},
				{Name: "year", Type: storage.TypeInt},
				{Name: "weekday", Type: storage.TypeInt},
			},
			Constraints: []storage.ConstraintSpec{
				{Kind: storage.ConstraintPrimaryKey, Columns: []string{"start_time"}},
			},
			Load: storage.LoadSpec{Conflict: &storage.ConflictSpec{
				TargetColumns: []string{"start_time"},
				Action:        storage.ActionDoNothing,
			}},
		},
		{
			Name:       SongPlays,
			PrimaryKey: &storage.PrimaryKeySpec{Name: "songplay_id", Type: "serial"},
			Columns: []storage.ColumnSpec{
				{Name: "start_time", Type: storage.TypeTimestamp, References: Time + "(start_time)"},
				{Name: "user_id", Type: storage.TypeID, References: Users + "(user_id)", Nullable: nullable()},
				{Name: "level", Type: storage.TypeText, Nullable: nullable()},
				{Name: "song_id", Type: storage.TypeID, References: Songs + "(song_id)", Nullable: nullable()},
				{Name: "artist_id", Type: storage.TypeID, References: Artists + "(artist_id)", Nullable: nullable()},
				{Name: "session_id", Type: storage.TypeBigInt},
				{Name: "location", Type: storage.TypeText, Nullable: nullable()},
				{Name: "user_agent", Type: storage.TypeText, Nullable: nullable()},
			},
		},
	}
}

// Table returns the TableSpec named name.
func Table(name string) (storage.TableSpec, bool) {
	for _, t := range Tables() {
		if t.Name == name {
			return t, true
		}
	}
	return storage.TableSpec{}, false
}
