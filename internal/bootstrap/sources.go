package bootstrap

import (
	"dht-outpost/internal/netx"
	"dht-outpost/internal/storage/nodesbolt"
)

// PeerSource supplies bootstrap endpoints from somewhere other than DNS.
type PeerSource interface {
	// Discover returns candidate endpoints to register with the engine.
	Discover() ([]netx.Endpoint, error)
	Name() string
}

// StaticSource hands out a fixed endpoint list.
type StaticSource struct {
	Endpoints []netx.Endpoint
	Label     string
}

func (s StaticSource) Name() string {
	if s.Label != "" {
		return s.Label
	}
	return "static"
}

func (s StaticSource) Discover() ([]netx.Endpoint, error) {
	return append([]netx.Endpoint(nil), s.Endpoints...), nil
}

// StoreSource draws endpoints that worked in a previous run from the
// known-node store.
type StoreSource struct {
	Store       *nodesbolt.Store
	MaxFailures int
	Limit       int
}

func (s StoreSource) Name() string { return "nodestore" }

func (s StoreSource) Discover() ([]netx.Endpoint, error) {
	return s.Store.Candidates(s.MaxFailures, s.Limit)
}
