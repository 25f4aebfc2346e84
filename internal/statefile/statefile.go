// Package statefile persists the DHT engine's state blob across restarts.
//
// The on-disk format is a bencoded dictionary, optionally followed by a
// 20-byte SHA-1 digest of the dictionary bytes and the 4-byte tag "hash".
// A present-but-wrong digest means the file is corrupt and is treated the
// same as no state at all by callers.
package statefile

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"log"
	"os"

	"dht-outpost/internal/bencode"
	"dht-outpost/internal/telemetry"
	"dht-outpost/internal/util/memzero"
)

const (
	checksumTag  = "hash"
	checksumSize = sha1.Size + len(checksumTag)
)

var (
	ErrEmpty   = errors.New("statefile: empty file")
	ErrCorrupt = errors.New("statefile: checksum mismatch")
)

// test seam
var readFile = os.ReadFile

type Store struct {
	path string
	log  telemetry.Logger
}

// New returns a Store persisting to path.
func New(path string, logger telemetry.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	return &Store{path: path, log: logger}
}

func (s *Store) Path() string { return s.path }

// Save writes buf to the state file and truncates it to exactly len(buf),
// so a shorter save leaves no residue from an earlier longer one. Saving is
// best-effort: failures are logged, never returned.
func (s *Store) Save(buf []byte) {
	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		s.log.Printf("statefile: failed to open %q: %v", s.path, err)
		return
	}
	defer f.Close()

	n, err := f.Write(buf)
	if err != nil {
		s.log.Printf("statefile: failed to write %q: %v", s.path, err)
		return
	}
	if n != len(buf) {
		s.log.Printf("statefile: short write to %q; wrote %d of %d bytes", s.path, n, len(buf))
	}
	// Truncate to the requested length, so a shorter save leaves no
	// residue even when the write itself came up short.
	if err := f.Truncate(int64(len(buf))); err != nil {
		s.log.Printf("statefile: failed to truncate %q: %v", s.path, err)
	}
}

// Load reads the state file and returns a copy of the validated dictionary
// bytes. The buffer holding the raw file contents is zeroed before Load
// returns, on every path.
func (s *Store) Load() ([]byte, error) {
	raw, err := readFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("statefile: %w", err)
	}
	defer memzero.Zero(raw)

	if len(raw) == 0 {
		return nil, ErrEmpty
	}
	return extractBody(raw)
}

// extractBody parses the leading bencoded dictionary and, if a checksum
// frame follows it, verifies the digest over the dictionary span.
func extractBody(raw []byte) ([]byte, error) {
	_, n, err := bencode.DecodeDict(raw)
	if err != nil {
		return nil, fmt.Errorf("statefile: %w", err)
	}

	rest := raw[n:]
	if len(rest) >= checksumSize && bytes.Equal(rest[sha1.Size:checksumSize], []byte(checksumTag)) {
		sum := sha1.Sum(raw[:n])
		if !bytes.Equal(sum[:], rest[:sha1.Size]) {
			return nil, ErrCorrupt
		}
	}

	body := make([]byte, n)
	copy(body, raw[:n])
	return body, nil
}

// AppendChecksum returns body followed by its SHA-1 digest and the checksum
// tag, the frame Load verifies.
func AppendChecksum(body []byte) []byte {
	sum := sha1.Sum(body)
	out := make([]byte, 0, len(body)+checksumSize)
	out = append(out, body...)
	out = append(out, sum[:]...)
	out = append(out, checksumTag...)
	return out
}
