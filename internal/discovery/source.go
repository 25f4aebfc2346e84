package discovery

import "dht-outpost/internal/netx"

// Source exposes LAN discovery as a bootstrap endpoint source.
type Source struct {
	Cfg      Config
	SelfPort uint16
}

func (s Source) Name() string { return "lan" }

func (s Source) Discover() ([]netx.Endpoint, error) {
	cfg := s.Cfg
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	return Discover(cfg, s.SelfPort)
}
