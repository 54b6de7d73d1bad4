package webrtc

import (
	"deskhub/realtime/internal/domain"

	pion "github.com/pion/webrtc/v4"
)

// QualityFor classifies a peer connection state as an advisory quality
// value. Advisory only: call termination is never decided here.
func QualityFor(state pion.PeerConnectionState) domain.ConnectionQuality {
	switch state {
	case pion.PeerConnectionStateConnected:
		return domain.QualityExcellent
	case pion.PeerConnectionStateNew, pion.PeerConnectionStateConnecting:
		return domain.QualityGood
	default:
		return domain.QualityPoor
	}
}
