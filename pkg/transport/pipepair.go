package transport

import "net"

// PipeManagerConfig configures NewPipeManagerPair.
type PipeManagerConfig struct {
	// UDP enables the UDP transport, carried over the in-memory pipe.
	// Default: true if neither UDP nor TCP is set.
	UDP bool

	// TCP enables the TCP transport, carried over loopback listeners
	// (the pipe has no stream support).
	TCP bool

	// Handlers receive messages for side 0 and side 1 respectively.
	// Both are required.
	Handlers [2]MessageHandler
}

// PipePeerAddresses bundles the addresses one side of a PipeManagerPair can
// be reached at, per transport.
type PipePeerAddresses struct {
	UDP PeerAddress
	TCP PeerAddress
}

// PipeManagerPair wires two started transport Managers together for
// in-process testing: UDP datagrams flow over an in-memory Pipe (with its
// drop/delay/duplicate simulation), TCP streams over real loopback sockets.
//
// Usage:
//
//	pair, _ := transport.NewPipeManagerPair(transport.PipeManagerConfig{
//	    UDP:      true,
//	    Handlers: [2]transport.MessageHandler{onMsg0, onMsg1},
//	})
//	defer pair.Close()
//	pair.Manager(0).Send(data, pair.PeerAddresses(1).UDP)
type PipeManagerPair struct {
	factories [2]*PipeFactory
	managers  [2]*Manager
	tcpAddrs  [2]net.Addr
}

// NewPipeManagerPair creates and starts two connected transport managers.
func NewPipeManagerPair(config PipeManagerConfig) (*PipeManagerPair, error) {
	if config.Handlers[0] == nil || config.Handlers[1] == nil {
		return nil, ErrNoHandler
	}
	if !config.UDP && !config.TCP {
		config.UDP = true
	}

	p := &PipeManagerPair{}
	f0, f1 := NewPipeFactoryPair()
	p.factories = [2]*PipeFactory{f0, f1}

	for i := 0; i < 2; i++ {
		cfg := ManagerConfig{
			UDPEnabled:     config.UDP,
			TCPEnabled:     config.TCP,
			MessageHandler: config.Handlers[i],
		}

		if config.UDP {
			conn, err := p.factories[i].CreateUDPConn(DefaultPort)
			if err != nil {
				p.Close()
				return nil, err
			}
			cfg.UDPConn = conn
		}

		if config.TCP {
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				p.Close()
				return nil, err
			}
			cfg.TCPListener = ln
			p.tcpAddrs[i] = ln.Addr()
		}

		mgr, err := NewManager(cfg)
		if err != nil {
			p.Close()
			return nil, err
		}
		if err := mgr.Start(); err != nil {
			p.Close()
			return nil, err
		}
		p.managers[i] = mgr
	}

	return p, nil
}

// Manager returns the transport manager for side idx (0 or 1).
func (p *PipeManagerPair) Manager(idx int) *Manager {
	return p.managers[idx]
}

// Pipe returns the shared pipe for network condition simulation and manual
// message pumping.
func (p *PipeManagerPair) Pipe() *Pipe {
	return p.factories[0].Pipe()
}

// PeerAddresses returns the addresses at which side idx can be reached.
// Use PeerAddresses(1) when sending from side 0 to side 1.
func (p *PipeManagerPair) PeerAddresses(idx int) PipePeerAddresses {
	addrs := PipePeerAddresses{
		UDP: NewUDPPeerAddress(p.factories[idx].LocalAddr()),
	}
	if p.tcpAddrs[idx] != nil {
		addrs.TCP = NewTCPPeerAddress(p.tcpAddrs[idx])
	}
	return addrs
}

// Close stops both managers and closes the pipe.
func (p *PipeManagerPair) Close() {
	for _, m := range p.managers {
		if m != nil {
			m.Stop()
		}
	}
	if p.factories[0] != nil {
		p.factories[0].Pipe().Close()
	}
}
