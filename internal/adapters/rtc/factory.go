package rtc

import (
	"github.com/dkeye/callscribe/internal/core"
	"github.com/google/uuid"
	"github.com/pion/ice/v4"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// Settings tune how peer connections gather candidates.
type Settings struct {
	ICEServers []string
	// IncludeLoopback gathers 127.0.0.1 candidates, for same-host peers.
	IncludeLoopback bool
	// UDP4Only restricts gathering to IPv4 UDP.
	UDP4Only bool
	// DisableMDNS advertises raw host addresses instead of .local names.
	DisableMDNS bool
}

func DefaultSettings() Settings {
	return Settings{
		ICEServers: []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"},
	}
}

// Factory builds peer connections sharing one configured pion API.
type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

var _ core.TransportFactory = (*Factory)(nil)

func NewFactory(s Settings) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(s.IncludeLoopback)
	if s.DisableMDNS {
		se.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	}
	if s.UDP4Only {
		se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	}

	cfg := webrtc.Configuration{}
	if len(s.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: s.ICEServers}}
	}

	return &Factory{
		api: webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir), webrtc.WithSettingEngine(se)),
		cfg: cfg,
	}, nil
}

func (f *Factory) NewTransport() (core.PeerTransport, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, err
	}
	return newConnection(pc, uuid.NewString()[:8]), nil
}
