package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openquant/tickerd/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketWatermarks = []byte("watermarks")
	bucketHealth     = []byte("provider_health")
	bucketBackfill   = []byte("backfill")
)

// backfillKey is the single key under bucketBackfill: one record, each run
// overwrites the previous.
var backfillKey = []byte("last_run")

// ErrNotFound is returned for missing keys
var ErrNotFound = fmt.Errorf("not found")

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the checkpoint database under dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "tickerd.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketWatermarks, bucketHealth, bucketBackfill} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func watermarkKey(source, symbol string, eventType types.EventType) []byte {
	return []byte(source + "|" + symbol + "|" + string(eventType))
}

func (s *BoltStore) PutWatermark(source, symbol string, eventType types.EventType, sequence uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWatermarks)
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], sequence)
		return b.Put(watermarkKey(source, symbol, eventType), buf[:])
	})
}

func (s *BoltStore) GetWatermark(source, symbol string, eventType types.EventType) (uint64, error) {
	var seq uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWatermarks)
		data := b.Get(watermarkKey(source, symbol, eventType))
		if data == nil {
			return ErrNotFound
		}
		seq = binary.BigEndian.Uint64(data)
		return nil
	})
	return seq, err
}

func (s *BoltStore) PutProviderHealth(health *types.ProviderHealth) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHealth)
		data, err := json.Marshal(health)
		if err != nil {
			return err
		}
		return b.Put([]byte(health.ProviderID), data)
	})
}

func (s *BoltStore) GetProviderHealth(providerID string) (*types.ProviderHealth, error) {
	var health types.ProviderHealth
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHealth)
		data := b.Get([]byte(providerID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &health)
	})
	if err != nil {
		return nil, err
	}
	return &health, nil
}

func (s *BoltStore) ListProviderHealth() ([]*types.ProviderHealth, error) {
	var out []*types.ProviderHealth
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHealth)
		return b.ForEach(func(k, v []byte) error {
			var health types.ProviderHealth
			if err := json.Unmarshal(v, &health); err != nil {
				return err
			}
			out = append(out, &health)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) PutBackfillResult(result *types.BackfillResult) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBackfill)
		data, err := json.Marshal(result)
		if err != nil {
			return err
		}
		return b.Put(backfillKey, data)
	})
}

func (s *BoltStore) GetBackfillResult() (*types.BackfillResult, error) {
	var result types.BackfillResult
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBackfill)
		data := b.Get(backfillKey)
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &result)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}
