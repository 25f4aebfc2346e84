// Package nodesbolt persists DHT node endpoints that have worked before,
// so a restarted node can rejoin the overlay without waiting on DNS.
package nodesbolt

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"dht-outpost/internal/netx"
)

const (
	bNodes = "nodes"

	defaultTO = 2 * time.Second
)

type nodeRecord struct {
	LastSeen     time.Time `json:"last_seen"`
	LastSuccess  time.Time `json:"last_success"`
	FailureCount int       `json:"failures"`
}

// Store is a BoltDB-backed endpoint store.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) a BoltDB database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: defaultTO})
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bNodes))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// NoteSuccess records that ep responded; it resets the failure count.
func (s *Store) NoteSuccess(ep netx.Endpoint) error {
	return s.update(ep, func(r *nodeRecord, now time.Time) {
		r.LastSeen = now
		r.LastSuccess = now
		r.FailureCount = 0
	})
}

// NoteFailure records that ep did not respond.
func (s *Store) NoteFailure(ep netx.Endpoint) error {
	return s.update(ep, func(r *nodeRecord, now time.Time) {
		r.LastSeen = now
		r.FailureCount++
	})
}

func (s *Store) update(ep netx.Endpoint, f func(*nodeRecord, time.Time)) error {
	if ep.IsZero() {
		return errors.New("nodesbolt: zero endpoint")
	}
	key := []byte(ep.String())

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bNodes))

		var rec nodeRecord
		if raw := b.Get(key); raw != nil {
			if err := json.Unmarshal(raw, &rec); err != nil {
				rec = nodeRecord{}
			}
		}
		f(&rec, time.Now())

		val, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(key, val)
	})
}

// Candidates returns up to limit endpoints with at most maxFailures recorded
// failures, most recently successful first.
func (s *Store) Candidates(maxFailures, limit int) ([]netx.Endpoint, error) {
	type cand struct {
		ep   netx.Endpoint
		last time.Time
	}
	var out []cand

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bNodes)).ForEach(func(k, v []byte) error {
			var rec nodeRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			if maxFailures >= 0 && rec.FailureCount > maxFailures {
				return nil
			}
			ep, err := netx.ParseEndpoint(string(k))
			if err != nil {
				return nil
			}
			out = append(out, cand{ep: ep, last: rec.LastSuccess})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].last.After(out[j].last) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	eps := make([]netx.Endpoint, len(out))
	for i := range out {
		eps[i] = out[i].ep
	}
	return eps, nil
}

// Len returns the number of stored endpoints.
func (s *Store) Len() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(bNodes)).Stats().KeyN
		return nil
	})
	return n, err
}
