package domain

import "time"

type TransferStatus string

const (
	TransferStatusQueued      TransferStatus = "queued"
	TransferStatusDownloading TransferStatus = "downloading"
	TransferStatusSeeding     TransferStatus = "seeding"
	TransferStatusProcessing  TransferStatus = "processing"
	TransferStatusCompleted   TransferStatus = "completed"
	TransferStatusFailed      TransferStatus = "failed"
	TransferStatusPaused      TransferStatus = "paused"
)

// Terminal reports whether no further engine-driven transitions can occur.
func (s TransferStatus) Terminal() bool {
	return s == TransferStatusCompleted || s == TransferStatusFailed
}

// PauseReason records who asked for a pause so that bulk resume operations
// only undo their own pauses.
type PauseReason string

const (
	PauseReasonNone          PauseReason = ""
	PauseReasonUserRequested PauseReason = "user_requested"
	PauseReasonKillSwitch    PauseReason = "kill_switch"
)

// Transfer is one managed download/seed unit, identified by its content hash.
type Transfer struct {
	SourceID        string
	SourceURI       string
	Name            string
	MediaRef        MediaRef
	Status          TransferStatus
	PauseReason     PauseReason
	ResumeStatus    TransferStatus // status to restore on resume, set while paused
	Progress        float64
	DownloadRate    int64
	UploadRate      int64
	BytesDownloaded int64
	BytesUploaded   int64
	SizeBytes       int64 // zero until the torrent has announced its size
	Ratio           float64
	PeerCount       int
	ErrorMessage    string
	AddedAt         time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}
