package transformer

import "sparkify/internal/model"

// TransformSong projects one song-metadata record onto exactly one song row
// and one artist row.
//
// Required fields: song_id, title, artist_id, year, duration, artist_name.
// artist_location, artist_latitude and artist_longitude must be present but
// may be null.
func TransformSong(rec Record) (model.SongRow, model.ArtistRow, error) {
	var (
		song   model.SongRow
		artist model.ArtistRow
		err    error
	)

	if song.SongID, err = requiredID(rec, "song_id"); err != nil {
		return model.SongRow{}, model.ArtistRow{}, err
	}
	if song.Title, err = requiredString(rec, "title"); err != nil {
		return model.SongRow{}, model.ArtistRow{}, err
	}
	if song.ArtistID, err = requiredID(rec, "artist_id"); err != nil {
		return model.SongRow{}, model.ArtistRow{}, err
	}
	if song.Year, err = requiredInt(rec, "year"); err != nil {
		return model.SongRow{}, model.ArtistRow{}, err
	}
	if song.Duration, err = requiredFloat(rec, "duration"); err != nil {
		return model.SongRow{}, model.ArtistRow{}, err
	}

	artist.ArtistID = song.ArtistID
	if artist.Name, err = requiredString(rec, "artist_name"); err != nil {
		return model.SongRow{}, model.ArtistRow{}, err
	}
	if artist.Location, err = nullableString(rec, "artist_location"); err != nil {
		return model.SongRow{}, model.ArtistRow{}, err
	}
	if artist.Latitude, err = nullableFloat(rec, "artist_latitude"); err != nil {
		return model.SongRow{}, model.ArtistRow{}, err
	}
	if artist.Longitude, err = nullableFloat(rec, "artist_longitude"); err != nil {
		return model.SongRow{}, model.ArtistRow{}, err
	}

	return song, artist, nil
}
