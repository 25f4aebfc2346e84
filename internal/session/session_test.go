package session

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"dht-outpost/internal/bootstrap"
	"dht-outpost/internal/crypto/channel"
	"dht-outpost/internal/engine"
	"dht-outpost/internal/netx"
)

type logLine struct{ lines []string }

func (l *logLine) Printf(format string, args ...any) {
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

// fakeNetwork scripts bind failures and records traffic.
type fakeNetwork struct {
	failBinds int
	binds     []string
	handler   netx.PacketHandler
	sent      []netx.Endpoint
	local     netx.Addr
	closed    bool
}

func (f *fakeNetwork) Bind(bindAddr string, h netx.PacketHandler) (netx.Addr, error) {
	f.binds = append(f.binds, bindAddr)
	if len(f.binds) <= f.failBinds {
		return "", errors.New("address already in use")
	}
	f.handler = h
	f.local = netx.Addr("0.0.0.0" + bindAddr)
	return f.local, nil
}

func (f *fakeNetwork) WriteTo(dest netx.Endpoint, p []byte) error {
	f.sent = append(f.sent, dest)
	return nil
}

func (f *fakeNetwork) LocalAddr() netx.Addr { return f.local }
func (f *fakeNetwork) Close() error         { f.closed = true; return nil }

// fakeEngine records every call the session makes.
type fakeEngine struct {
	enabled    bool
	rate       int
	enables    []bool
	ticks      int
	packets    [][]byte
	bootstraps []netx.Endpoint
	ops        []string
	panicNext  bool
}

func (e *fakeEngine) Enable(on bool, rate int) {
	e.enabled = on
	e.rate = rate
	e.enables = append(e.enables, on)
}

func (e *fakeEngine) IsEnabled() bool { return e.enabled }
func (e *fakeEngine) Tick()           { e.ticks++ }

func (e *fakeEngine) HandlePacket(p []byte, from netx.Endpoint) {
	if e.panicNext {
		e.panicNext = false
		panic("handler blew up")
	}
	e.packets = append(e.packets, append([]byte(nil), p...))
}

func (e *fakeEngine) AddBootstrapNode(ep netx.Endpoint) {
	e.bootstraps = append(e.bootstraps, ep)
}

func (e *fakeEngine) Synchronize(key channel.RecordKey, entries []engine.Entry,
	onUpdated engine.EntryUpdated, onFinalized engine.EntriesFinalized, onFinished engine.SyncFinished) {
	e.ops = append(e.ops, "synchronize")
	if onFinished != nil {
		onFinished(len(entries))
	}
}

func (e *fakeEngine) Put(tok engine.ListToken, contents []byte, done engine.PutFinished) {
	e.ops = append(e.ops, "put")
	if done != nil {
		done(tok)
	}
}

func (e *fakeEngine) Get(target engine.Target, received engine.ItemReceived) {
	e.ops = append(e.ops, "get")
	if received != nil {
		received(engine.Item{}, false)
	}
}

func newTestSession(t *testing.T, fn *fakeNetwork, fe *fakeEngine, mut func(*Config)) *Session {
	t.Helper()
	cfg := Config{
		StatePath: filepath.Join(t.TempDir(), "dht.dat"),
		NewEngine: func(sock netx.PacketSocket, cb engine.Callbacks) Engine { return fe },
		Network:   fn,
		Port:      40000,
		Contacts:  []bootstrap.Contact{},
		Logger:    &logLine{},
	}
	if mut != nil {
		mut(&cfg)
	}
	return New(cfg)
}

// drain posts a sentinel and waits for the loop to run it, proving all
// earlier posts have been executed.
func drain(t *testing.T, s *Session) {
	t.Helper()
	done := make(chan struct{})
	s.post(func() { close(done) })
	<-done
}

func TestStart_BindRetrySucceedsOnThirdPort(t *testing.T) {
	fn := &fakeNetwork{failBinds: 2}
	fe := &fakeEngine{}
	s := newTestSession(t, fn, fe, nil)

	if got := s.Start(); got != 0 {
		t.Fatalf("Start() = %d, want 0", got)
	}
	defer s.Stop()

	want := []string{":40000", ":40001", ":40002"}
	if len(fn.binds) != len(want) {
		t.Fatalf("bind attempts = %v, want %v", fn.binds, want)
	}
	for i, b := range want {
		if fn.binds[i] != b {
			t.Fatalf("bind attempt %d = %q, want %q", i, fn.binds[i], b)
		}
	}
	if s.Port() != 40002 {
		t.Fatalf("Port() = %d, want 40002", s.Port())
	}
	if !fe.enabled || fe.rate != DefaultRateLimit {
		t.Fatalf("engine enabled=%v rate=%d, want enabled with rate %d", fe.enabled, fe.rate, DefaultRateLimit)
	}
}

func TestStart_FailsAfterTenPorts(t *testing.T) {
	fn := &fakeNetwork{failBinds: 100}
	fe := &fakeEngine{}
	s := newTestSession(t, fn, fe, nil)

	if got := s.Start(); got != -1 {
		t.Fatalf("Start() = %d, want -1", got)
	}
	if len(fn.binds) != 10 {
		t.Fatalf("bind attempts = %d, want 10", len(fn.binds))
	}
	if len(fe.enables) != 0 {
		t.Fatalf("engine was enabled despite bind failure: %v", fe.enables)
	}
	// The loop has exited; Stop must not hang.
	s.Stop()
}

func TestAPI_RunsOnLoopInCallOrder(t *testing.T) {
	fn := &fakeNetwork{}
	fe := &fakeEngine{}
	s := newTestSession(t, fn, fe, nil)
	if s.Start() != 0 {
		t.Fatal("Start failed")
	}

	var key channel.RecordKey
	s.Synchronize(key, nil, nil, nil, nil)
	s.Put(engine.ListToken{}, []byte("v"), nil)
	got := make(chan bool, 1)
	s.Get(engine.Target{}, func(it engine.Item, ok bool) { got <- ok })
	if ok := <-got; ok {
		t.Fatal("empty fake engine reported an item")
	}
	s.Stop()

	want := []string{"synchronize", "put", "get"}
	if len(fe.ops) != len(want) {
		t.Fatalf("ops = %v, want %v", fe.ops, want)
	}
	for i := range want {
		if fe.ops[i] != want[i] {
			t.Fatalf("op %d = %q, want %q", i, fe.ops[i], want[i])
		}
	}
}

func TestIngress_DropsMalformedDatagrams(t *testing.T) {
	fn := &fakeNetwork{}
	fe := &fakeEngine{}
	s := newTestSession(t, fn, fe, nil)
	if s.Start() != 0 {
		t.Fatal("Start failed")
	}

	from := netx.Endpoint{IP: [4]byte{10, 0, 0, 9}, Port: 6881}
	fn.handler([]byte("GET / HTTP/1.1\r\n"), from)
	fn.handler([]byte("d1:xi1ee"), from)
	fn.handler(nil, from)
	drain(t, s)
	s.Stop()

	if len(fe.packets) != 1 {
		t.Fatalf("engine saw %d packets, want 1", len(fe.packets))
	}
	if string(fe.packets[0]) != "d1:xi1ee" {
		t.Fatalf("engine saw %q", fe.packets[0])
	}
}

func TestIngress_PanicDoesNotKillLoop(t *testing.T) {
	fn := &fakeNetwork{}
	fe := &fakeEngine{panicNext: true}
	lg := &logLine{}
	s := newTestSession(t, fn, fe, func(c *Config) { c.Logger = lg })
	if s.Start() != 0 {
		t.Fatal("Start failed")
	}

	from := netx.Endpoint{IP: [4]byte{10, 0, 0, 9}, Port: 6881}
	fn.handler([]byte("de"), from)
	fn.handler([]byte("de"), from)
	drain(t, s)
	s.Stop()

	if len(fe.packets) != 1 {
		t.Fatalf("engine saw %d packets after the panic, want 1", len(fe.packets))
	}
	found := false
	for _, l := range lg.lines {
		if strings.Contains(l, "handler blew up") {
			found = true
		}
	}
	if !found {
		t.Fatalf("panic was not logged: %v", lg.lines)
	}
}

func TestStop_DisablesEngineAndClosesSocket(t *testing.T) {
	fn := &fakeNetwork{}
	fe := &fakeEngine{}
	s := newTestSession(t, fn, fe, nil)
	if s.Start() != 0 {
		t.Fatal("Start failed")
	}
	s.Stop()
	s.Stop() // idempotent

	if len(fe.enables) != 2 || fe.enables[0] != true || fe.enables[1] != false {
		t.Fatalf("enable sequence = %v, want [true false]", fe.enables)
	}
	if !fn.closed {
		t.Fatal("socket was not closed")
	}
}

func TestStop_WithoutStartIsNoop(t *testing.T) {
	s := newTestSession(t, &fakeNetwork{}, &fakeEngine{}, nil)
	s.Stop()
}

func TestStart_RegistersBootstrapEndpoints(t *testing.T) {
	fn := &fakeNetwork{}
	fe := &fakeEngine{}
	stored := netx.Endpoint{IP: [4]byte{192, 0, 2, 7}, Port: 7000}
	var noted []netx.Endpoint
	s := newTestSession(t, fn, fe, func(c *Config) {
		c.Contacts = []bootstrap.Contact{{Host: "seed.example.net", Port: 6881}}
		c.Lookup = func(host string) ([]net.IP, error) {
			if host != "seed.example.net" {
				return nil, errors.New("unknown host")
			}
			return []net.IP{
				net.IPv4(198, 51, 100, 1),
				net.ParseIP("2001:db8::1"), // skipped, not IPv4
				net.IPv4(198, 51, 100, 2),
			}, nil
		}
		c.Sources = []bootstrap.PeerSource{
			bootstrap.StaticSource{Endpoints: []netx.Endpoint{stored}, Label: "remembered"},
		}
		c.OnBootstrapNode = func(ep netx.Endpoint) { noted = append(noted, ep) }
	})
	if s.Start() != 0 {
		t.Fatal("Start failed")
	}
	s.Stop()

	if len(fe.bootstraps) != 3 {
		t.Fatalf("bootstrap endpoints = %v, want 3", fe.bootstraps)
	}
	if fe.bootstraps[2] != stored {
		t.Fatalf("source endpoint = %v, want %v", fe.bootstraps[2], stored)
	}
	for _, ep := range fe.bootstraps[:2] {
		if ep.Port != 6881 {
			t.Fatalf("resolved endpoint %v has wrong port", ep)
		}
	}
	// Only DNS-resolved endpoints are observed, not source-provided ones.
	if len(noted) != 2 {
		t.Fatalf("noted endpoints = %v, want the 2 resolved ones", noted)
	}
}

func TestAdaptor_GateAndBindAddr(t *testing.T) {
	fn := &fakeNetwork{}
	if _, err := fn.Bind(":40123", nil); err != nil {
		t.Fatal(err)
	}
	a := newSocketAdaptor(fn, &logLine{}, false)

	dest := netx.Endpoint{IP: [4]byte{203, 0, 113, 5}, Port: 9}
	a.Send(dest, []byte("x"))
	a.setEnabled(false)
	a.Send(dest, []byte("x"))
	if len(fn.sent) != 1 {
		t.Fatalf("sends reaching network = %d, want 1", len(fn.sent))
	}

	a.setEnabled(true)
	if got := a.BindAddr(); got.Port != 40123 {
		t.Fatalf("BindAddr() = %v, want port 40123", got)
	}
}

func TestAdaptor_HostnameSendIsLoud(t *testing.T) {
	fn := &fakeNetwork{}
	lg := &logLine{}
	a := newSocketAdaptor(fn, lg, false)
	a.SendToHost("tracker.example.net", []byte("x"))
	if len(lg.lines) != 1 || !strings.Contains(lg.lines[0], "tracker.example.net") {
		t.Fatalf("hostname send was not logged: %v", lg.lines)
	}
	if len(fn.sent) != 0 {
		t.Fatal("hostname send reached the network")
	}

	dbg := newSocketAdaptor(fn, lg, true)
	defer func() {
		if recover() == nil {
			t.Fatal("debug hostname send did not panic")
		}
	}()
	dbg.SendToHost("tracker.example.net", []byte("x"))
}

func TestStart_RealUDPSocket(t *testing.T) {
	fe := &fakeEngine{}
	s := newTestSession(t, nil, fe, func(c *Config) {
		c.Network = nil // real UDP
		c.Port = 0      // random dynamic port
	})
	if got := s.Start(); got != 0 {
		t.Fatalf("Start() = %d, want 0", got)
	}
	port := s.Port()
	if port < 32768 || port > 49160 {
		t.Fatalf("bound port %d outside the expected range", port)
	}

	// A real datagram makes it onto the loop.
	conn, err := net.Dial("udp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("d1:xi1ee")); err != nil {
		t.Fatal(err)
	}
	received := false
	for i := 0; i < 200 && !received; i++ {
		drain(t, s)
		received = len(fe.packets) > 0
		if !received {
			time.Sleep(5 * time.Millisecond)
		}
	}
	s.Stop()

	if !received {
		t.Fatal("datagram never reached the engine")
	}
}
