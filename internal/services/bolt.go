package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltDB keeps the API key each browser session entered in the key dialog, so a server restart does
// not silently fall back to the free-tier credential. Conversations are never written here. Keys older
// than the TTL are treated as absent.
type BoltDB struct {
	db     *bolt.DB
	keyTTL time.Duration
}

type savedCredential struct {
	APIKey    string    `json:"apiKey"`
	UpdatedAt time.Time `json:"updatedAt"`
}

var credentialsBucket = []byte("credentials")

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database
// with the required bucket. The database file is created with 0600 permissions if it doesn't exist.
// A non-positive keyTTL keeps keys until they are cleared.
func NewBoltDB(path string, keyTTL time.Duration) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(credentialsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to create credentials bucket: %w", err)
	}

	return BoltDB{db: db, keyTTL: keyTTL}, nil
}

// APIKey returns the saved key of the session, or an empty string if none was saved or it expired.
func (b BoltDB) APIKey(_ context.Context, sessionID string) (string, error) {
	var key string
	err := b.db.View(func(tx *bolt.Tx) error {
		bu := tx.Bucket(credentialsBucket)
		if bu == nil {
			return nil
		}

		v := bu.Get([]byte(sessionID))
		if v == nil {
			return nil
		}

		var cred savedCredential
		if err := json.Unmarshal(v, &cred); err != nil {
			return fmt.Errorf("failed to unmarshal credential: %w", err)
		}
		if b.expired(cred) {
			return nil
		}
		key = cred.APIKey
		return nil
	})
	return key, err
}

// SaveAPIKey stores the key of the session. An empty key deletes the entry, since it means the session
// went back to the fallback credential.
func (b BoltDB) SaveAPIKey(_ context.Context, sessionID, apiKey string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bu := tx.Bucket(credentialsBucket)
		if bu == nil {
			return fmt.Errorf("bucket %s not found", credentialsBucket)
		}

		if apiKey == "" {
			return bu.Delete([]byte(sessionID))
		}

		v, err := json.Marshal(savedCredential{APIKey: apiKey, UpdatedAt: time.Now()})
		if err != nil {
			return fmt.Errorf("failed to marshal credential: %w", err)
		}

		return bu.Put([]byte(sessionID), v)
	})
}

// PruneExpired deletes every key older than the TTL and returns how many were deleted.
func (b BoltDB) PruneExpired(_ context.Context) (int, error) {
	if b.keyTTL <= 0 {
		return 0, nil
	}

	var pruned int
	err := b.db.Update(func(tx *bolt.Tx) error {
		bu := tx.Bucket(credentialsBucket)
		if bu == nil {
			return nil
		}

		var stale [][]byte
		err := bu.ForEach(func(k, v []byte) error {
			var cred savedCredential
			if err := json.Unmarshal(v, &cred); err != nil || b.expired(cred) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range stale {
			if err := bu.Delete(k); err != nil {
				return fmt.Errorf("failed to delete credential: %w", err)
			}
		}
		pruned = len(stale)
		return nil
	})
	return pruned, err
}

func (b BoltDB) expired(cred savedCredential) bool {
	return b.keyTTL > 0 && time.Since(cred.UpdatedAt) > b.keyTTL
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}
