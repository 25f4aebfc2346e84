package session

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"dht-outpost/internal/bencode"
	"dht-outpost/internal/bootstrap"
	"dht-outpost/internal/crypto/channel"
	"dht-outpost/internal/crypto/sign"
	"dht-outpost/internal/engine"
	"dht-outpost/internal/netx"
	"dht-outpost/internal/statefile"
	"dht-outpost/internal/telemetry"
)

// Version is the client identifier stamped on every outgoing message.
var Version = [4]byte{'O', 'U', 0, 1}

const (
	// DefaultRateLimit caps outgoing DHT traffic, in bytes per second.
	DefaultRateLimit = 8000

	bindAttempts   = 10
	portRangeStart = 32768
	portRangeLen   = 16384

	tickInterval = time.Second
	queueDepth   = 256
	pingBatch    = 6
)

// Config carries everything a Session needs. NewEngine is required;
// everything else has a usable default.
type Config struct {
	// StatePath is where the engine's persistent state lives.
	StatePath string

	// NewEngine builds the engine over the bound socket.
	NewEngine Factory

	// Network overrides the transport. Nil means UDP.
	Network netx.PacketNetwork

	// Port is the first port tried when binding. Zero picks a random
	// port in the dynamic range.
	Port int

	// Contacts are the bootstrap hosts to resolve. Nil means the
	// built-in defaults.
	Contacts []bootstrap.Contact

	// Sources contribute extra bootstrap endpoints, typically nodes
	// remembered from earlier runs.
	Sources []bootstrap.PeerSource

	// RateLimit is the outgoing byte budget per second. Zero means
	// DefaultRateLimit; negative disables limiting.
	RateLimit int

	// Lookup overrides DNS resolution for the contacts.
	Lookup bootstrap.LookupFunc

	// OnBootstrapNode, when set, observes every endpoint resolved from
	// Contacts, letting callers persist working seeds.
	OnBootstrapNode func(netx.Endpoint)

	Logger telemetry.Logger
	Debug  bool
}

// Session owns the network thread. All engine access is funneled through a
// single loop goroutine: inbound packets, the tick timer, and the public
// API all post work onto the same queue, so the engine itself never needs a
// lock.
type Session struct {
	cfg  Config
	log  telemetry.Logger
	port int

	net      netx.PacketNetwork
	state    *statefile.Store
	resolver *bootstrap.Resolver
	adaptor  *socketAdaptor
	engine   Engine

	queue   chan func()
	quit    chan struct{}
	done    chan struct{}
	started atomic.Bool
	stop    sync.Once
}

func New(cfg Config) *Session {
	if cfg.NewEngine == nil {
		panic("session: Config.NewEngine is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "", log.LstdFlags)
	}
	if cfg.StatePath == "" {
		cfg.StatePath = "dht.dat"
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	port := cfg.Port
	if port == 0 {
		port = portRangeStart + rand.IntN(portRangeLen)
	}
	network := cfg.Network
	if network == nil {
		network = netx.NewUDPNetwork()
	}
	contacts := cfg.Contacts
	if contacts == nil {
		contacts = bootstrap.DefaultContacts
	}
	ropts := []bootstrap.Option{bootstrap.WithLogger(logger)}
	if cfg.Lookup != nil {
		ropts = append(ropts, bootstrap.WithLookup(cfg.Lookup))
	}
	return &Session{
		cfg:      cfg,
		log:      logger,
		port:     port,
		net:      network,
		state:    statefile.New(cfg.StatePath, logger),
		resolver: bootstrap.NewResolver(contacts, ropts...),
		queue:    make(chan func(), queueDepth),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start spawns the session loop and blocks until the socket is bound. It
// returns 0 on success and -1 when every bind attempt failed; on failure
// the loop has already exited. Start must be called at most once.
func (s *Session) Start() int {
	result := make(chan int, 1)
	s.started.Store(true)
	go s.loop(result)
	return <-result
}

// Stop shuts the loop down and waits for it to exit. The engine persists
// its state on the way out. Safe to call more than once, and a no-op if
// Start never ran.
func (s *Session) Stop() {
	if !s.started.Load() {
		return
	}
	s.stop.Do(func() { close(s.quit) })
	<-s.done
}

// Port reports the port the socket is bound to. Only meaningful after
// Start returned 0.
func (s *Session) Port() int { return s.port }

// Synchronize merges entries with the list stored under key on the
// overlay. Callbacks fire on the session loop.
func (s *Session) Synchronize(key channel.RecordKey, entries []engine.Entry,
	onUpdated engine.EntryUpdated, onFinalized engine.EntriesFinalized, onFinished engine.SyncFinished) {
	s.post(func() { s.engine.Synchronize(key, entries, onUpdated, onFinalized, onFinished) })
}

// Put writes contents under the list token. done fires on the session loop
// with the advanced token.
func (s *Session) Put(tok engine.ListToken, contents []byte, done engine.PutFinished) {
	s.post(func() { s.engine.Put(tok, contents, done) })
}

// Get fetches the item stored under target. received fires on the session
// loop, possibly several times.
func (s *Session) Get(target engine.Target, received engine.ItemReceived) {
	s.post(func() { s.engine.Get(target, received) })
}

// post hands f to the session loop. Posts from one goroutine execute in
// the order they were made.
func (s *Session) post(f func()) {
	select {
	case s.queue <- f:
	case <-s.quit:
	}
}

func (s *Session) loop(result chan<- int) {
	defer close(s.done)

	s.adaptor = newSocketAdaptor(s.net, s.log, s.cfg.Debug)
	s.engine = s.cfg.NewEngine(s.adaptor, s.callbacks())

	if !s.bind() {
		result <- -1
		return
	}

	n := s.resolver.ResolveAll(func(ep netx.Endpoint) {
		s.engine.AddBootstrapNode(ep)
		if s.cfg.OnBootstrapNode != nil {
			s.cfg.OnBootstrapNode(ep)
		}
	})
	if n == 0 && len(s.resolver.Pending()) > 0 {
		s.log.Printf("session: no bootstrap contacts resolved; will retry")
	}
	for _, src := range s.cfg.Sources {
		eps, err := src.Discover()
		if err != nil {
			s.log.Printf("session: bootstrap source %s: %v", src.Name(), err)
			continue
		}
		for _, ep := range eps {
			s.engine.AddBootstrapNode(ep)
		}
	}

	rate := s.cfg.RateLimit
	if rate < 0 {
		rate = 0
	}
	s.engine.Enable(true, rate)
	result <- 0

	timer := time.NewTimer(tickInterval)
	defer timer.Stop()
	for {
		select {
		case <-s.quit:
			// Disabling persists the engine's state.
			s.engine.Enable(false, 0)
			s.adaptor.setEnabled(false)
			if err := s.net.Close(); err != nil {
				s.log.Printf("session: closing socket: %v", err)
			}
			return
		case <-timer.C:
			s.engine.Tick()
			timer.Reset(tickInterval)
		case f := <-s.queue:
			f()
		}
	}
}

// bind tries s.port and then successive ports until one binds, giving up
// after bindAttempts failures.
func (s *Session) bind() bool {
	left := bindAttempts
	for {
		addr, err := s.net.Bind(fmt.Sprintf(":%d", s.port), s.onPacket)
		if err == nil {
			s.log.Printf("session: DHT socket bound on %s", addr)
			return true
		}
		left--
		if left == 0 {
			s.log.Printf("session: failed to bind DHT socket on port %d: %v", s.port, err)
			return false
		}
		s.port++
		if s.cfg.Debug {
			s.log.Printf("session: port busy, retrying on %d", s.port)
		}
	}
}

// onPacket runs on the transport's reader goroutine and only queues the
// datagram; everything else happens on the loop.
func (s *Session) onPacket(buf []byte, from netx.Endpoint) {
	s.post(func() { s.handlePacket(buf, from) })
}

func (s *Session) handlePacket(buf []byte, from netx.Endpoint) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Printf("session: error handling packet from %s: %v", from, r)
		}
	}()
	// The port sees arbitrary internet traffic; anything that is not a
	// bencoded dict is dropped without comment.
	if _, _, err := bencode.DecodeDict(buf); err != nil {
		return
	}
	if s.engine.IsEnabled() {
		s.engine.HandlePacket(buf, from)
	}
}

func (s *Session) callbacks() engine.Callbacks {
	return engine.Callbacks{
		Hash:   sign.SHA1,
		Sign:   sign.Ed25519Sign,
		Verify: sign.Ed25519Verify,
		SaveState: func(buf []byte) {
			s.state.Save(statefile.AppendChecksum(buf))
		},
		LoadState: func() []byte {
			body, err := s.state.Load()
			if err != nil {
				if !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, statefile.ErrEmpty) {
					s.log.Printf("session: discarding DHT state: %v", err)
				}
				return nil
			}
			return body
		},
		Version:   Version,
		PingBatch: pingBatch,
	}
}
