package transfer

// Stats is a point-in-time snapshot of wire activity for one transfer.
type Stats struct {
	BytesDownloaded int64
	BytesUploaded   int64
	PeerCount       int
}

// Handle is the engine's view of one peer-to-peer transfer. The wire
// protocol behind it is a black box; the engine only drives lifecycle and
// reads statistics. Keeping this narrow lets the state machine run against
// a fake in tests.
type Handle interface {
	// GotInfo is closed once the transfer has announced its metadata
	// (name and total size).
	GotInfo() <-chan struct{}
	Name() string
	// SizeBytes is zero until GotInfo.
	SizeBytes() int64
	BytesCompleted() int64
	Stats() Stats
	// Err reports a sticky transport or storage failure, nil when healthy.
	Err() error
	// DownloadAll marks every file wanted. Valid after GotInfo.
	DownloadAll()
	// AllowData gates both directions of payload traffic.
	AllowData(allow bool)
	// Files lists file paths relative to the download directory. Empty
	// before GotInfo.
	Files() []string
	Drop()
}

// Client creates and owns transfer handles.
type Client interface {
	// Add validates and registers a source URI. Returns an error wrapping
	// ErrInvalidSource for a malformed URI and ErrExists for a duplicate.
	Add(sourceURI string) (id string, h Handle, err error)
	Close() error
}
