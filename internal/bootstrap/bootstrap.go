// Package bootstrap turns well-known host:port contacts into concrete IPv4
// endpoints the DHT engine can ping.
package bootstrap

import (
	"log"
	"net"

	"dht-outpost/internal/netx"
	"dht-outpost/internal/telemetry"
)

// Contact is a well-known host:port used to discover initial DHT peers.
type Contact struct {
	Host string
	Port uint16
}

// DefaultContacts are consulted when the caller supplies none.
var DefaultContacts = []Contact{
	{Host: "dht.outpost-seed.net", Port: 6881},
	{Host: "dht2.outpost-seed.net", Port: 6881},
}

// LookupFunc resolves a hostname to addresses. net.LookupIP shaped.
type LookupFunc func(host string) ([]net.IP, error)

// Resolver resolves pending contacts. A contact leaves the pending list only
// on successful resolution; failures stay pending for a later attempt.
type Resolver struct {
	pending []Contact
	lookup  LookupFunc
	log     telemetry.Logger
}

type Option func(*Resolver)

func WithLookup(f LookupFunc) Option {
	return func(r *Resolver) {
		if f != nil {
			r.lookup = f
		}
	}
}

func WithLogger(l telemetry.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.log = l
		}
	}
}

func NewResolver(contacts []Contact, opts ...Option) *Resolver {
	r := &Resolver{
		pending: append([]Contact(nil), contacts...),
		lookup:  net.LookupIP,
		log:     log.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Pending returns the contacts that have not resolved yet.
func (r *Resolver) Pending() []Contact {
	return append([]Contact(nil), r.pending...)
}

// ResolveAll attempts every pending contact once, blocking on DNS. Each IPv4
// address of a resolved contact is handed to register; IPv6 addresses are
// ignored. Resolution failures are logged and the contact stays pending.
func (r *Resolver) ResolveAll(register func(netx.Endpoint)) int {
	registered := 0
	kept := r.pending[:0]

	for _, c := range r.pending {
		ips, err := r.lookup(c.Host)
		if err != nil {
			r.log.Printf("bootstrap: failed to resolve %q: %v", c.Host, err)
			kept = append(kept, c)
			continue
		}
		for _, ip := range ips {
			ep, err := netx.EndpointFromIP(ip, c.Port)
			if err != nil {
				continue // IPv6
			}
			register(ep)
			registered++
		}
	}

	r.pending = kept
	return registered
}
