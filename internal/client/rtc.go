package client

import (
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/mentorhub/realtime/internal/domain"
)

// Negotiator is one WebRTC negotiation context toward a single remote
// participant. The interface exists so the mesh logic can be exercised
// without real ICE; production uses the pion-backed implementation.
type Negotiator interface {
	CreateOffer() (webrtc.SessionDescription, error)
	// ApplyOffer sets the remote offer and returns the local answer.
	ApplyOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ApplyAnswer(answer webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	OnICECandidate(func(webrtc.ICECandidateInit))
	AddTrack(*webrtc.TrackLocalStaticRTP) (*webrtc.RTPSender, error)
	RemoveTrack(*webrtc.RTPSender) error
	OnRemoteTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	Close()
}

// NegotiatorFactory builds a context for a newly discovered peer.
type NegotiatorFactory func(remote domain.UserID) (Negotiator, error)

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// PionNegotiator wraps a pion PeerConnection.
type PionNegotiator struct {
	pc     *webrtc.PeerConnection
	remote domain.UserID
}

// NewPionFactory returns the production NegotiatorFactory.
func NewPionFactory(cfg webrtc.Configuration) NegotiatorFactory {
	return func(remote domain.UserID) (Negotiator, error) {
		pc, err := webrtc.NewPeerConnection(cfg)
		if err != nil {
			return nil, err
		}
		n := &PionNegotiator{pc: pc, remote: remote}
		pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
			log.Info().Str("module", "client.rtc").Str("remote", string(remote)).Str("ice_state", s.String()).Msg("ICE state")
		})
		return n, nil
	}
}

func (n *PionNegotiator) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (n *PionNegotiator) ApplyOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := n.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (n *PionNegotiator) ApplyAnswer(answer webrtc.SessionDescription) error {
	return n.pc.SetRemoteDescription(answer)
}

func (n *PionNegotiator) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return n.pc.AddICECandidate(ci)
}

func (n *PionNegotiator) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	n.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil {
			fn(cand.ToJSON())
		}
	})
}

func (n *PionNegotiator) AddTrack(track *webrtc.TrackLocalStaticRTP) (*webrtc.RTPSender, error) {
	return n.pc.AddTrack(track)
}

func (n *PionNegotiator) RemoveTrack(sender *webrtc.RTPSender) error {
	return n.pc.RemoveTrack(sender)
}

func (n *PionNegotiator) OnRemoteTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	n.pc.OnTrack(fn)
}

func (n *PionNegotiator) Close() {
	if err := n.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "client.rtc").Str("remote", string(n.remote)).Msg("close error")
	} else {
		log.Info().Str("module", "client.rtc").Str("remote", string(n.remote)).Msg("closed")
	}
}
