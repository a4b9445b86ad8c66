package domain

import "time"

type EventType string

const (
	EventTransferAdded         EventType = "transfer_added"
	EventTransferProgress      EventType = "transfer_progress"
	EventTransferStatusChanged EventType = "transfer_status_changed"
	EventTransferCompleted     EventType = "transfer_completed"
	EventTransferRemoved       EventType = "transfer_removed"
	EventTransferError         EventType = "transfer_error"
	EventTunnelConnecting      EventType = "tunnel_connecting"
	EventTunnelConnected       EventType = "tunnel_connected"
	EventTunnelDisconnected    EventType = "tunnel_disconnected"
	EventTunnelReconnecting    EventType = "tunnel_reconnecting"
	EventTunnelStatsUpdate     EventType = "tunnel_stats_update"
	EventTunnelError           EventType = "tunnel_error"
)

// Event is an immutable record distributed over the bus. Fields beyond Type
// are populated per event type; unset fields marshal away.
type Event struct {
	Type EventType `json:"type"`
	Time time.Time `json:"time"`

	// Transfer events.
	SourceID string         `json:"source_id,omitempty"`
	MediaRef *MediaRef      `json:"media_ref,omitempty"`
	Status   TransferStatus `json:"status,omitempty"`
	Progress float64        `json:"progress,omitempty"`
	Download int64          `json:"download_rate,omitempty"`
	Upload   int64          `json:"upload_rate,omitempty"`
	Peers    int            `json:"peers,omitempty"`

	// Tunnel events.
	Interface string `json:"interface,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	RxBytes   int64  `json:"rx_bytes,omitempty"`
	TxBytes   int64  `json:"tx_bytes,omitempty"`

	Message string `json:"message,omitempty"`
}
