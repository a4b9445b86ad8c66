package domain

import "time"

type MediaType string

const (
	MediaTypeMovie   MediaType = "movie"
	MediaTypeEpisode MediaType = "episode"
	MediaTypeAlbum   MediaType = "album"
	MediaTypeTrack   MediaType = "track"
)

// MediaRef links a transfer to its catalog entry. The transport core never
// interprets it beyond passing it through in events.
type MediaRef struct {
	MediaType MediaType `json:"media_type"`
	MediaID   int64     `json:"media_id"`
}

// MediaItem is a catalog row whose availability is driven by transfer events.
type MediaItem struct {
	Ref         MediaRef
	Title       string
	Available   bool
	FilePath    string
	SourceID    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	AvailableAt *time.Time
}

// MediaFile is one file delivered for a catalog entry.
type MediaFile struct {
	ID   int64
	Ref  MediaRef
	Path string
	Size int64
}
