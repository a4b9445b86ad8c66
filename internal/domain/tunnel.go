package domain

import "time"

type TunnelStatus string

const (
	TunnelStatusDisconnected TunnelStatus = "disconnected"
	TunnelStatusConnecting   TunnelStatus = "connecting"
	TunnelStatusConnected    TunnelStatus = "connected"
	TunnelStatusReconnecting TunnelStatus = "reconnecting"
	TunnelStatusError        TunnelStatus = "error"
)

// TunnelState is the singleton view of the VPN connection. The kill switch
// keys off Status alone, never raw socket state.
type TunnelState struct {
	Status         TunnelStatus
	ErrorMessage   string // set only when Status is error
	InterfaceName  string
	Endpoint       string
	ConnectedSince *time.Time
	LastHandshake  *time.Time
	RxBytes        int64
	TxBytes        int64
}
