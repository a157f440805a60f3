package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/embersync/embersync/internal/models"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket     = []byte("app")
	serversBucket = []byte("servers")
	wolBucket     = []byte("wol")

	deviceIDKey        = []byte("device_id")
	identitySessionKey = []byte("identity_session")
)

func serverItemsBucket(serverID string) []byte {
	return []byte("server:" + serverID + ":items")
}

func serverActionsBucket(serverID string) []byte {
	return []byte("server:" + serverID + ":actions")
}

// Store wraps a bbolt database holding the server credential list, the
// offline item records, and queued offline actions. It is the single
// owner of ServerRecord state; all mutation goes through UpdateServer so
// no component can hold a stale copy across a write.
type Store struct {
	db *bolt.DB
}

// Load opens the state database under dataDir, creating it if it does
// not exist.
func Load(dataDir string) (*Store, error) {
	return LoadAt(filepath.Join(dataDir, "state.db"))
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		if _, err := tx.CreateBucketIfNotExists(serversBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(wolBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureDeviceID returns the persistent device id, generating and storing
// one on first use.
func (s *Store) EnsureDeviceID() (string, error) {
	var id string

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)

		if v := b.Get(deviceIDKey); v != nil {
			id = string(v)
			return nil
		}

		id = uuid.NewString()

		return b.Put(deviceIDKey, []byte(id))
	})
	if err != nil {
		return "", fmt.Errorf("ensuring device id: %w", err)
	}

	return id, nil
}

// Servers returns all known server records ordered by most recently
// accessed first.
func (s *Store) Servers() ([]models.ServerRecord, error) {
	var records []models.ServerRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(serversBucket)

		return b.ForEach(func(k, v []byte) error {
			var rec models.ServerRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			records = append(records, rec)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	for i := 1; i < len(records); i++ {
		for j := i; j > 0 && records[j].DateLastAccessed.After(records[j-1].DateLastAccessed); j-- {
			records[j], records[j-1] = records[j-1], records[j]
		}
	}

	return records, nil
}

// GetServer returns the record stored under the given key, or nil if not
// found.
func (s *Store) GetServer(key string) (*models.ServerRecord, error) {
	var rec *models.ServerRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(serversBucket).Get([]byte(key))
		if v == nil {
			return nil
		}

		rec = &models.ServerRecord{}

		return json.Unmarshal(v, rec)
	})

	return rec, err
}

// SaveServer persists a record, merging with any existing record that
// shares its Id. A record that gained an Id (first successful connection
// against a manual address) has its old manual-keyed entry removed so
// exactly one record per physical server remains.
func (s *Store) SaveServer(rec models.ServerRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(serversBucket)

		if rec.Id != "" && rec.ManualAddress != "" {
			b.Delete([]byte("manual:" + rec.ManualAddress))
		}

		if v := b.Get([]byte(rec.Key())); v != nil {
			var existing models.ServerRecord
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}

			existing.Merge(rec)
			rec = existing
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		return b.Put([]byte(rec.Key()), data)
	})
}

// UpdateServer applies fn to the stored record inside a single write
// transaction. This is the read-merge-write entry point every writer
// (validator, session failover, sync engine) must use.
func (s *Store) UpdateServer(key string, fn func(*models.ServerRecord)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(serversBucket)

		v := b.Get([]byte(key))
		if v == nil {
			return fmt.Errorf("server %s not found", key)
		}

		var rec models.ServerRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}

		fn(&rec)

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		if newKey := rec.Key(); newKey != key {
			// The record gained a server Id; re-home it under the new key.
			if err := b.Delete([]byte(key)); err != nil {
				return err
			}
			return b.Put([]byte(newKey), data)
		}

		return b.Put([]byte(key), data)
	})
}

// DeleteServer removes a server record and its per-server buckets.
func (s *Store) DeleteServer(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(serversBucket).Delete([]byte(key)); err != nil {
			return err
		}

		for _, name := range [][]byte{serverItemsBucket(key), serverActionsBucket(key)} {
			if tx.Bucket(name) != nil {
				if err := tx.DeleteBucket(name); err != nil {
					return err
				}
			}
		}

		return tx.Bucket(wolBucket).Delete([]byte(key))
	})
}

// IdentitySession returns the stored identity-provider session, or nil.
func (s *Store) IdentitySession() (*models.IdentitySession, error) {
	var sess *models.IdentitySession

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(identitySessionKey)
		if v == nil {
			return nil
		}

		sess = &models.IdentitySession{}

		return json.Unmarshal(v, sess)
	})

	return sess, err
}

// SetIdentitySession persists the identity-provider session. A nil
// session clears it.
func (s *Store) SetIdentitySession(sess *models.IdentitySession) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)

		if sess == nil {
			return b.Delete(identitySessionKey)
		}

		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}

		return b.Put(identitySessionKey, data)
	})
}

// GetItem returns the local item for a (server, item) pair, or nil.
func (s *Store) GetItem(serverID, itemID string) (*models.LocalItem, error) {
	var item *models.LocalItem

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(serverItemsBucket(serverID))
		if b == nil {
			return nil
		}

		v := b.Get([]byte(models.LocalItemId(serverID, itemID)))
		if v == nil {
			return nil
		}

		item = &models.LocalItem{}

		return json.Unmarshal(v, item)
	})

	return item, err
}

// SaveItem persists a local item record.
func (s *Store) SaveItem(item models.LocalItem) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(serverItemsBucket(item.ServerId))
		if err != nil {
			return err
		}

		data, err := json.Marshal(item)
		if err != nil {
			return err
		}

		return b.Put([]byte(item.Id), data)
	})
}

// DeleteItem removes a local item record.
func (s *Store) DeleteItem(serverID, itemID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(serverItemsBucket(serverID))
		if b == nil {
			return nil
		}

		return b.Delete([]byte(models.LocalItemId(serverID, itemID)))
	})
}

// Items returns all local items for a server, optionally filtered to the
// given statuses.
func (s *Store) Items(serverID string, statuses ...models.SyncStatus) ([]models.LocalItem, error) {
	var items []models.LocalItem

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(serverItemsBucket(serverID))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			var item models.LocalItem
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}

			if len(statuses) > 0 {
				match := false
				for _, st := range statuses {
					if item.Status == st {
						match = true
						break
					}
				}
				if !match {
					return nil
				}
			}

			items = append(items, item)

			return nil
		})
	})

	return items, err
}

// AddAction queues an offline action, assigning it a fresh id.
func (s *Store) AddAction(action models.OfflineAction) error {
	if action.Id == "" {
		action.Id = uuid.NewString()
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(serverActionsBucket(action.ServerId))
		if err != nil {
			return err
		}

		data, err := json.Marshal(action)
		if err != nil {
			return err
		}

		return b.Put([]byte(action.Id), data)
	})
}

// Actions returns all queued offline actions for a server.
func (s *Store) Actions(serverID string) ([]models.OfflineAction, error) {
	var actions []models.OfflineAction

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(serverActionsBucket(serverID))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			var a models.OfflineAction
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}

			actions = append(actions, a)

			return nil
		})
	})

	return actions, err
}

// DeleteAction removes a queued offline action.
func (s *Store) DeleteAction(serverID, actionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(serverActionsBucket(serverID))
		if b == nil {
			return nil
		}

		return b.Delete([]byte(actionID))
	})
}

// WakeOnLan returns the cached wake-on-lan info for a server, or nil.
func (s *Store) WakeOnLan(serverID string) (*models.WakeOnLanInfo, error) {
	var info *models.WakeOnLanInfo

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(wolBucket).Get([]byte(serverID))
		if v == nil {
			return nil
		}

		info = &models.WakeOnLanInfo{}

		return json.Unmarshal(v, info)
	})

	return info, err
}

// SetWakeOnLan caches wake-on-lan info for a server.
func (s *Store) SetWakeOnLan(serverID string, info models.WakeOnLanInfo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(info)
		if err != nil {
			return err
		}

		return tx.Bucket(wolBucket).Put([]byte(serverID), data)
	})
}
