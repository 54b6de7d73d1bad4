package webrtc

import (
	"fmt"
	"log"
	"sync"

	"deskhub/realtime/internal/domain"

	pion "github.com/pion/webrtc/v4"
)

// Capture owns the local outbound media tracks for the duration of one
// call. It implements domain.MediaCapture: Acquire before the first link is
// created, Release when the call ends.
type Capture struct {
	mu       sync.Mutex
	audio    *pion.TrackLocalStaticSample
	video    *pion.TrackLocalStaticSample
	acquired bool
}

// NewCapture creates an idle capture source.
func NewCapture() *Capture {
	return &Capture{}
}

// Acquire creates the outbound tracks for the given call type: audio
// always, video for video and screen-share calls.
func (c *Capture) Acquire(t domain.CallType) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.acquired {
		return nil
	}

	audio, err := pion.NewTrackLocalStaticSample(
		pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus},
		"audio", "desk-audio",
	)
	if err != nil {
		return fmt.Errorf("create audio track: %w", err)
	}
	c.audio = audio

	if t == domain.CallTypeVideo || t == domain.CallTypeScreenShare {
		video, err := pion.NewTrackLocalStaticSample(
			pion.RTPCodecCapability{MimeType: pion.MimeTypeVP8},
			"video", "desk-video",
		)
		if err != nil {
			return fmt.Errorf("create video track: %w", err)
		}
		c.video = video
	}

	c.acquired = true
	log.Printf("[webrtc] capture acquired (video=%v)", c.video != nil)
	return nil
}

// Tracks returns the outbound tracks matching the call type. Empty until
// Acquire succeeds.
func (c *Capture) Tracks(t domain.CallType) []pion.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()

	var tracks []pion.TrackLocal
	if c.audio != nil {
		tracks = append(tracks, c.audio)
	}
	if c.video != nil && (t == domain.CallTypeVideo || t == domain.CallTypeScreenShare) {
		tracks = append(tracks, c.video)
	}
	return tracks
}

// Release frees the capture tracks. Safe to call twice.
func (c *Capture) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.acquired {
		return
	}
	c.audio = nil
	c.video = nil
	c.acquired = false
	log.Printf("[webrtc] capture released")
}
