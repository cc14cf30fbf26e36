package client

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// Well-known local source names. Toggling is keyed by name, which is
// what makes enable/disable idempotent.
const (
	SourceCamera     = "camera"
	SourceMicrophone = "microphone"
	SourceScreen     = "screen"
)

// LocalSource is one local media feed (camera, microphone, screen
// capture). The capture layer owns the RTP writing; the mesh only
// attaches and detaches the track on peer contexts. OnEnded fires when
// the source stops outside our control, e.g. the OS-level "stop
// sharing" button.
type LocalSource interface {
	Name() string
	Track() *webrtc.TrackLocalStaticRTP
	OnEnded(func())
	Close()
}

// StaticSource is the basic LocalSource over a static RTP track.
type StaticSource struct {
	name  string
	track *webrtc.TrackLocalStaticRTP

	mu      sync.Mutex
	onEnded func()
	ended   bool
}

func NewStaticSource(name string, track *webrtc.TrackLocalStaticRTP) *StaticSource {
	return &StaticSource{name: name, track: track}
}

func (s *StaticSource) Name() string                       { return s.name }
func (s *StaticSource) Track() *webrtc.TrackLocalStaticRTP { return s.track }

func (s *StaticSource) OnEnded(fn func()) {
	s.mu.Lock()
	s.onEnded = fn
	s.mu.Unlock()
}

// End marks the source dead and fires the hook once. Called by the
// capture layer when the feed stops on its own.
func (s *StaticSource) End() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	fn := s.onEnded
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *StaticSource) Close() { s.End() }
