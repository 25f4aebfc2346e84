package main

import (
	"bufio"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"dht-outpost/internal/bootstrap"
	"dht-outpost/internal/crypto/channel"
	"dht-outpost/internal/crypto/pairing"
	"dht-outpost/internal/dht"
	"dht-outpost/internal/discovery"
	"dht-outpost/internal/engine"
	"dht-outpost/internal/netx"
	"dht-outpost/internal/paths"
	"dht-outpost/internal/session"
	"dht-outpost/internal/storage/nodesbolt"
	"dht-outpost/internal/uiutil"
)

func main() {
	dataDir := flag.String("data", paths.DefaultDataDir(), "directory for persistent state")
	port := flag.Int("port", 0, "first UDP port to try (0 picks a random dynamic port)")
	bootstrapStr := flag.String("bootstrap", "", "comma-separated bootstrap hosts host:port")
	rate := flag.Int("rate", session.DefaultRateLimit, "outgoing byte budget per second (-1 disables)")
	lan := flag.Bool("lan", false, "discover and announce nodes on the local network")
	debug := flag.Bool("debug", false, "verbose logging")
	flag.Parse()

	logger := log.New(os.Stdout, "", log.LstdFlags)

	dir, err := paths.EnsureDir(*dataDir)
	if err != nil {
		log.Fatalf("data dir: %v", err)
	}

	var contacts []bootstrap.Contact
	if *bootstrapStr != "" {
		for _, part := range strings.Split(*bootstrapStr, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			c, err := parseContact(part)
			if err != nil {
				log.Fatalf("bad bootstrap host %q: %v", part, err)
			}
			contacts = append(contacts, c)
		}
	}

	nodes, err := nodesbolt.Open(filepath.Join(dir, "nodes.db"))
	if err != nil {
		log.Fatalf("open node store: %v", err)
	}
	defer nodes.Close()

	ident, err := pairing.NewIdentity()
	if err != nil {
		log.Fatalf("create pairing identity: %v", err)
	}

	sources := []bootstrap.PeerSource{
		bootstrap.StoreSource{Store: nodes, MaxFailures: 3, Limit: 32},
	}
	if *lan {
		sources = append(sources, discovery.Source{})
	}

	s := session.New(session.Config{
		StatePath: filepath.Join(dir, "dht.dat"),
		NewEngine: func(sock netx.PacketSocket, cb engine.Callbacks) session.Engine {
			return dht.New(sock, cb, dht.WithLogger(logger), dht.WithNodeObserver(nodes))
		},
		Port:     *port,
		Contacts: contacts,
		Sources:  sources,
		OnBootstrapNode: func(ep netx.Endpoint) {
			if err := nodes.NoteSuccess(ep); err != nil && *debug {
				logger.Printf("node store: %v", err)
			}
		},
		RateLimit: *rate,
		Logger:    logger,
		Debug:     *debug,
	})
	if s.Start() != 0 {
		log.Fatalf("failed to bind a UDP socket")
	}

	if *lan {
		lanStop := make(chan struct{})
		defer close(lanStop)
		if err := discovery.StartResponder(lanStop, discovery.DefaultConfig(), uint16(s.Port())); err != nil {
			logger.Printf("lan responder: %v", err)
		}
	}

	fmt.Printf("Node started.\n")
	fmt.Printf("Port:	%d\n", s.Port())
	fmt.Printf("Pair:	%s\n\n", ident.PublicHex())
	fmt.Println("Commands:")
	fmt.Println("	/key			- generate a fresh list key")
	fmt.Println("	/shared <peer-pub>	- derive the list key shared with a paired peer")
	fmt.Println("	/sync <key> [id=text ...]	- merge entries with the list stored under key")
	fmt.Println("	/put <key> <text>	- store text under the list key")
	fmt.Println("	/get <target>		- fetch the item stored under a 20-byte hex target")
	fmt.Println("	/quit			- exit")
	fmt.Println()

	// Advanced write tokens per list, so repeated puts sign fresh
	// sequence numbers. Callbacks fire on the session loop, hence the lock.
	var tokensMu sync.Mutex
	tokens := make(map[engine.Target]engine.ListToken)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch {

		case strings.HasPrefix(line, "/quit"):
			fmt.Println("quitting...")
			s.Stop()
			return

		case line == "/key":
			key, err := channel.NewRandomKey()
			if err != nil {
				fmt.Printf("failed to generate key: %v\n", err)
				continue
			}
			tok := engine.DeriveListToken(key)
			fmt.Printf("key:	%s\n", channel.KeyToHex(key))
			fmt.Printf("target:	%s\n", hex.EncodeToString(tok.Target[:]))

		case strings.HasPrefix(line, "/shared "):
			arg := strings.TrimSpace(strings.TrimPrefix(line, "/shared"))
			key, err := ident.SharedKeyHex(arg)
			if err != nil {
				fmt.Printf("bad peer key: %v\n", err)
				continue
			}
			fmt.Printf("shared key: %s\n", channel.KeyToHex(key))

		case strings.HasPrefix(line, "/sync "):
			args := strings.Fields(strings.TrimPrefix(line, "/sync"))
			if len(args) < 1 {
				fmt.Println("usage: /sync <key> [id=text ...]")
				continue
			}
			key, err := channel.ParseKeyHex(args[0])
			if err != nil {
				fmt.Printf("bad key: %v\n", err)
				continue
			}
			entries, err := parseEntries(args[1:])
			if err != nil {
				fmt.Printf("bad entry: %v\n", err)
				continue
			}
			s.Synchronize(key, entries,
				func(e engine.Entry) {
					fmt.Printf("[SYNC] entry %d updated to %q (seq %d)\n", e.ID, e.Contents, e.Seq)
				},
				func(merged []engine.Entry) {
					fmt.Printf("[SYNC] merged list has %d entries\n", len(merged))
				},
				func(n int) {
					fmt.Printf("[SYNC] done, %d entries stored\n", n)
				})

		case strings.HasPrefix(line, "/put "):
			args := strings.Fields(strings.TrimPrefix(line, "/put"))
			if len(args) < 2 {
				fmt.Println("usage: /put <key> <text>")
				continue
			}
			key, err := channel.ParseKeyHex(args[0])
			if err != nil {
				fmt.Printf("bad key: %v\n", err)
				continue
			}
			tok := engine.DeriveListToken(key)
			tokensMu.Lock()
			if cached, ok := tokens[tok.Target]; ok {
				tok = cached
			}
			tokensMu.Unlock()
			s.Put(tok, []byte(strings.Join(args[1:], " ")), func(next engine.ListToken) {
				tokensMu.Lock()
				tokens[next.Target] = next
				tokensMu.Unlock()
				fmt.Printf("[PUT] stored at %s (seq %d)\n", uiutil.FormatTarget(hex.EncodeToString(next.Target[:])), next.Seq)
			})

		case strings.HasPrefix(line, "/get "):
			arg := strings.TrimSpace(strings.TrimPrefix(line, "/get"))
			raw, err := hex.DecodeString(arg)
			if err != nil || len(raw) != len(engine.Target{}) {
				fmt.Println("target must be 20 bytes of hex")
				continue
			}
			var target engine.Target
			copy(target[:], raw)
			s.Get(target, func(it engine.Item, ok bool) {
				if !ok {
					fmt.Printf("[GET] %s: nothing stored there\n", uiutil.FormatTarget(arg))
					return
				}
				fmt.Printf("[GET] %s seq %d: %q\n", uiutil.FormatTarget(arg), it.Seq, it.Value)
			})

		default:
			fmt.Println("unknown command")
		}
	}
	s.Stop()
}

func parseContact(s string) (bootstrap.Contact, error) {
	host, portStr, ok := strings.Cut(s, ":")
	if !ok || host == "" {
		return bootstrap.Contact{}, fmt.Errorf("want host:port")
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return bootstrap.Contact{}, err
	}
	return bootstrap.Contact{Host: host, Port: uint16(port)}, nil
}

// parseEntries turns id=text arguments into entries stamped at seq 1.
func parseEntries(args []string) ([]engine.Entry, error) {
	var entries []engine.Entry
	for _, a := range args {
		idStr, text, ok := strings.Cut(a, "=")
		if !ok {
			return nil, fmt.Errorf("%q: want id=text", a)
		}
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q: %v", a, err)
		}
		entries = append(entries, engine.Entry{ID: id, Seq: 1, Contents: []byte(text)})
	}
	return entries, nil
}
