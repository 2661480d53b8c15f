// Package store persists chat history and the DTN queue snapshot.
//
// History is kept per peer id as a JSON list of ChatMessage values; the DTN
// queue is a single JSON bundle list. Both live in one bbolt database inside
// the node's data directory.
package store

import (
	"encoding/json"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/Operative-001/meshdtn/internal/protocol"
)

// FileName is the database file inside the data directory.
const FileName = "mesh.db"

var (
	bucketHistory = []byte("history")
	bucketDTN     = []byte("dtn")
	keyQueue      = []byte("queue")
)

// ChatMessage is one line of a conversation with a peer.
type ChatMessage struct {
	PeerID    string `json:"peer_id"`
	Text      string `json:"text"`
	FromMe    bool   `json:"from_me"`
	Timestamp int64  `json:"timestamp"`
}

// Store is a persistent local store backed by bbolt.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the database in dataDir.
func Open(dataDir string) (*Store, error) {
	db, err := bolt.Open(filepath.Join(dataDir, FileName), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketHistory, bucketDTN} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AppendHistory adds msg to the conversation with msg.PeerID.
func (s *Store) AppendHistory(msg ChatMessage) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketHistory)
		key := []byte(msg.PeerID)

		var msgs []ChatMessage
		if existing := bkt.Get(key); existing != nil {
			if err := json.Unmarshal(existing, &msgs); err != nil {
				return err
			}
		}
		msgs = append(msgs, msg)

		data, err := json.Marshal(msgs)
		if err != nil {
			return err
		}
		return bkt.Put(key, data)
	})
}

// History returns the conversation with peerID, oldest first.
func (s *Store) History(peerID string) ([]ChatMessage, error) {
	var msgs []ChatMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketHistory).Get([]byte(peerID))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &msgs)
	})
	return msgs, err
}

// AllHistory returns every conversation keyed by peer id.
func (s *Store) AllHistory() (map[string][]ChatMessage, error) {
	out := make(map[string][]ChatMessage)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHistory).ForEach(func(k, v []byte) error {
			var msgs []ChatMessage
			if err := json.Unmarshal(v, &msgs); err != nil {
				return err
			}
			out[string(k)] = msgs
			return nil
		})
	})
	return out, err
}

// SaveQueue replaces the stored DTN queue snapshot.
func (s *Store) SaveQueue(bundles []protocol.Bundle) error {
	data, err := protocol.MarshalBundles(bundles)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDTN).Put(keyQueue, data)
	})
}

// LoadQueue returns the stored DTN queue snapshot, oldest first.
func (s *Store) LoadQueue() ([]protocol.Bundle, error) {
	var out []protocol.Bundle
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		out, err = protocol.UnmarshalBundles(tx.Bucket(bucketDTN).Get(keyQueue))
		return err
	})
	return out, err
}
