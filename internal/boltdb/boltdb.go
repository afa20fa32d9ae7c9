package boltdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/r3labs/diff/v3"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/alanbriolat/audio-relay"
)

var Buckets = struct {
	Metadata []byte
	Items    []byte
}{
	Metadata: []byte("__metadata__"),
	Items:    []byte("items"),
}

var MetadataKeys = struct {
	Version []byte
}{
	Version: []byte("version"),
}

const currentVersion = 1

var (
	ErrNotFound     = errors.New("item not found")
	ErrFutureSchema = errors.New("database was written by a newer version")
)

// A StoredItem is a ResolvedItem in a user's queue.
type StoredItem struct {
	ID      string                   `json:"id"`
	Item    audio_relay.ResolvedItem `json:"item"`
	AddedAt time.Time                `json:"added_at"`
}

type Store struct {
	db  *bbolt.DB
	log *zap.SugaredLogger
	now func() time.Time
}

func Open(path string, log *zap.SugaredLogger) (*Store, error) {
	if log == nil {
		log = zap.S()
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open item store %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) (err error) {
		// Ensure buckets exist
		var metadata *bbolt.Bucket
		if metadata, err = tx.CreateBucketIfNotExists(Buckets.Metadata); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(Buckets.Items); err != nil {
			return err
		}

		// Get the current version of the database
		var version int
		if versionBytes := metadata.Get(MetadataKeys.Version); versionBytes == nil {
			version = 0
		} else if err = json.Unmarshal(versionBytes, &version); err != nil {
			return err
		}
		if version > currentVersion {
			return fmt.Errorf("%w: schema version %d", ErrFutureSchema, version)
		}
		if version < currentVersion {
			log.Infow("upgrading item store", "path", path, "from", version, "to", currentVersion)
		}

		// Set the current version of the database
		if versionBytes, err := json.Marshal(currentVersion); err != nil {
			return err
		} else if err = metadata.Put(MetadataKeys.Version, versionBytes); err != nil {
			return err
		}

		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, log: log.Named("store"), now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// AddItem stores a newly resolved item under a fresh ID.
func (s *Store) AddItem(item audio_relay.ResolvedItem) (StoredItem, error) {
	stored := StoredItem{
		ID:      uuid.NewString(),
		Item:    item,
		AddedAt: s.now().UTC(),
	}
	return stored, s.PutItem(stored)
}

// PutItem writes an item, replacing any existing item with the same ID.
func (s *Store) PutItem(stored StoredItem) error {
	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(Buckets.Items)
		if previous := bucket.Get([]byte(stored.ID)); previous != nil {
			s.logChanges(stored, previous)
		}
		return bucket.Put([]byte(stored.ID), data)
	})
}

func (s *Store) logChanges(stored StoredItem, previousData []byte) {
	var previous StoredItem
	if err := json.Unmarshal(previousData, &previous); err != nil {
		s.log.Warnw("overwriting unreadable item", "item_id", stored.ID, "error", err)
		return
	}
	changes, err := diff.Diff(previous.Item, stored.Item)
	if err != nil {
		s.log.Debugw("could not diff item", "item_id", stored.ID, "error", err)
		return
	}
	for _, change := range changes {
		s.log.Debugw("item changed", "item_id", stored.ID, "path", change.Path, "from", change.From, "to", change.To)
	}
}

func (s *Store) GetItem(id string) (stored StoredItem, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(Buckets.Items).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &stored)
	})
	return stored, err
}

// LookupItem returns the stored item's resolution, for the stream proxy.
func (s *Store) LookupItem(ctx context.Context, id string) (*audio_relay.ResolvedItem, error) {
	stored, err := s.GetItem(id)
	if err != nil {
		return nil, err
	}
	return &stored.Item, nil
}

// ListItems returns every stored item, oldest first.
func (s *Store) ListItems() (items []StoredItem, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(Buckets.Items)
		return bucket.ForEach(func(k, v []byte) error {
			var stored StoredItem
			if err := json.Unmarshal(v, &stored); err != nil {
				return fmt.Errorf("item %s: %w", k, err)
			} else {
				items = append(items, stored)
				return nil
			}
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].AddedAt.Before(items[j].AddedAt)
	})
	return items, nil
}

func (s *Store) DeleteItem(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(Buckets.Items)
		if bucket.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		return bucket.Delete([]byte(id))
	})
}
