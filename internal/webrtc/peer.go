package webrtc

import (
	"fmt"
	"log"
	"sync"

	"deskhub/realtime/internal/domain"

	"github.com/pion/interceptor"
	pion "github.com/pion/webrtc/v4"
)

// Factory builds one Link per remote participant of a call. All links share
// the ICE server configuration and the local capture.
type Factory struct {
	iceServers []pion.ICEServer
	capture    *Capture
}

// NewFactory creates a Factory using the given STUN/TURN URLs and local
// capture source.
func NewFactory(iceURLs []string, capture *Capture) *Factory {
	var servers []pion.ICEServer
	for _, u := range iceURLs {
		servers = append(servers, pion.ICEServer{URLs: []string{u}})
	}
	return &Factory{iceServers: servers, capture: capture}
}

// NewPeerLink creates the media connection toward remoteUserID, attaches the
// local outbound tracks and registers the negotiation handlers.
func (f *Factory) NewPeerLink(sessionID, remoteUserID string, callType domain.CallType, cb domain.PeerCallbacks) (domain.PeerLink, error) {
	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := pion.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
	)

	pc, err := api.NewPeerConnection(pion.Configuration{
		ICEServers: f.iceServers,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	for _, track := range f.capture.Tracks(callType) {
		if _, err := pc.AddTrack(track); err != nil {
			pc.Close()
			return nil, fmt.Errorf("add local track: %w", err)
		}
	}

	l := &Link{
		sessionID:    sessionID,
		remoteUserID: remoteUserID,
		pc:           pc,
		cb:           cb,
		quality:      domain.QualityGood,
	}

	pc.OnTrack(func(track *pion.TrackRemote, receiver *pion.RTPReceiver) {
		log.Printf("[webrtc] %s: inbound track kind=%s codec=%s", remoteUserID, track.Kind(), track.Codec().MimeType)
		go drainTrack(track)
	})

	pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			log.Printf("[webrtc] %s: ICE gathering complete", remoteUserID)
			return
		}
		init := c.ToJSON()
		sdpMid := ""
		if init.SDPMid != nil {
			sdpMid = *init.SDPMid
		}
		sdpMLineIndex := 0
		if init.SDPMLineIndex != nil {
			sdpMLineIndex = int(*init.SDPMLineIndex)
		}
		if cb.OnLocalCandidate != nil {
			cb.OnLocalCandidate(remoteUserID, domain.ICECandidatePayload{
				SDPMid:        sdpMid,
				SDPMLineIndex: sdpMLineIndex,
				Candidate:     init.Candidate,
			})
		}
	})

	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		log.Printf("[webrtc] %s: connection state %s", remoteUserID, state)
		l.setQuality(QualityFor(state))
	})

	return l, nil
}

// Link is one negotiated media connection between the local client and one
// remote participant. Owned by the call state machine; destroyed when the
// call ends or the peer leaves.
type Link struct {
	sessionID    string
	remoteUserID string
	pc           *pion.PeerConnection
	cb           domain.PeerCallbacks

	mu        sync.Mutex
	remoteSet bool
	pending   []domain.ICECandidatePayload
	quality   domain.ConnectionQuality
	closed    bool
}

// RemoteUserID returns the participant this link connects to.
func (l *Link) RemoteUserID() string { return l.remoteUserID }

// Offer creates the initial SDP offer and sets it as the local description.
func (l *Link) Offer() (domain.SDPPayload, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return domain.SDPPayload{}, &domain.NegotiationError{RemoteUserID: l.remoteUserID, Err: fmt.Errorf("create offer: %w", err)}
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return domain.SDPPayload{}, &domain.NegotiationError{RemoteUserID: l.remoteUserID, Err: fmt.Errorf("set local description: %w", err)}
	}
	return domain.SDPPayload{Type: "offer", SDP: offer.SDP}, nil
}

// HandleOffer applies the remote offer, flushes queued ICE candidates and
// returns the local answer.
func (l *Link) HandleOffer(offer domain.SDPPayload) (domain.SDPPayload, error) {
	desc := pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: offer.SDP}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return domain.SDPPayload{}, &domain.NegotiationError{RemoteUserID: l.remoteUserID, Err: fmt.Errorf("set remote offer: %w", err)}
	}
	l.flushPending()

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SDPPayload{}, &domain.NegotiationError{RemoteUserID: l.remoteUserID, Err: fmt.Errorf("create answer: %w", err)}
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return domain.SDPPayload{}, &domain.NegotiationError{RemoteUserID: l.remoteUserID, Err: fmt.Errorf("set local description: %w", err)}
	}
	return domain.SDPPayload{Type: "answer", SDP: answer.SDP}, nil
}

// HandleAnswer applies the remote answer and flushes queued ICE candidates.
func (l *Link) HandleAnswer(answer domain.SDPPayload) error {
	desc := pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: answer.SDP}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return &domain.NegotiationError{RemoteUserID: l.remoteUserID, Err: fmt.Errorf("set remote answer: %w", err)}
	}
	l.flushPending()
	return nil
}

// AddRemoteCandidate applies a relayed ICE candidate. Candidates arriving
// before the remote description is set are queued and applied after.
func (l *Link) AddRemoteCandidate(c domain.ICECandidatePayload) error {
	l.mu.Lock()
	if !l.remoteSet {
		l.pending = append(l.pending, c)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	return l.addCandidate(c)
}

// Quality returns the advisory connection quality for this link.
func (l *Link) Quality() domain.ConnectionQuality {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.quality
}

// Close releases the underlying peer connection. Safe to call twice.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	if err := l.pc.Close(); err != nil {
		return fmt.Errorf("close peer connection: %w", err)
	}
	return nil
}

func (l *Link) flushPending() {
	l.mu.Lock()
	l.remoteSet = true
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, c := range pending {
		if err := l.addCandidate(c); err != nil {
			log.Printf("[webrtc] %s: apply queued candidate: %v", l.remoteUserID, err)
		}
	}
}

func (l *Link) addCandidate(c domain.ICECandidatePayload) error {
	sdpMLineIndex := uint16(c.SDPMLineIndex)
	init := pion.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &c.SDPMid,
		SDPMLineIndex: &sdpMLineIndex,
	}
	if err := l.pc.AddICECandidate(init); err != nil {
		return &domain.NegotiationError{RemoteUserID: l.remoteUserID, Err: fmt.Errorf("add ice candidate: %w", err)}
	}
	return nil
}

func (l *Link) setQuality(q domain.ConnectionQuality) {
	l.mu.Lock()
	changed := l.quality != q
	l.quality = q
	l.mu.Unlock()

	if changed && l.cb.OnQualityChange != nil {
		l.cb.OnQualityChange(l.remoteUserID, q)
	}
}

func drainTrack(track *pion.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
