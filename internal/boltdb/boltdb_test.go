package boltdb

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	assert_ "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/alanbriolat/audio-relay"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "items.db"), zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestItemLifecycle(t *testing.T) {
	assert := assert_.New(t)
	s := openTestStore(t)

	item := audio_relay.ResolvedItem{
		SourceType:  audio_relay.SourceTypePodcast,
		Title:       "Episode 1",
		AudioURL:    "https://cdn.example.com/1.mp3",
		OriginalURL: "https://example.com/feed.xml",
	}
	stored, err := s.AddItem(item)
	require.NoError(t, err)
	assert.NotEmpty(stored.ID)

	got, err := s.GetItem(stored.ID)
	require.NoError(t, err)
	assert.Equal(item, got.Item)
	assert.True(stored.AddedAt.Equal(got.AddedAt))

	resolved, err := s.LookupItem(context.Background(), stored.ID)
	require.NoError(t, err)
	assert.Equal(item, *resolved)

	require.NoError(t, s.DeleteItem(stored.ID))
	_, err = s.GetItem(stored.ID)
	assert.ErrorIs(err, ErrNotFound)
	assert.ErrorIs(s.DeleteItem(stored.ID), ErrNotFound)
}

func TestListItemsOldestFirst(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, title := range []string{"third", "first", "second"} {
		offset := []int{3, 1, 2}[i]
		require.NoError(t, s.PutItem(StoredItem{
			ID:      title,
			Item:    audio_relay.ResolvedItem{Title: title},
			AddedAt: base.Add(time.Duration(offset) * time.Minute),
		}))
	}

	items, err := s.ListItems()
	require.NoError(t, err)
	var titles []string
	for _, item := range items {
		titles = append(titles, item.Item.Title)
	}
	assert_.Equal(t, []string{"first", "second", "third"}, titles)
}

func TestPutItemLogsChanges(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	s, err := Open(filepath.Join(t.TempDir(), "items.db"), zap.New(core).Sugar())
	require.NoError(t, err)
	defer s.Close()

	stored := StoredItem{ID: "a", Item: audio_relay.ResolvedItem{Title: "Old title", OriginalURL: "https://x"}}
	require.NoError(t, s.PutItem(stored))
	stored.Item.Title = "New title"
	require.NoError(t, s.PutItem(stored))

	changes := logs.FilterMessage("item changed").All()
	require.Len(t, changes, 1)
	fields := changes[0].ContextMap()
	assert_.Equal(t, "Old title", fields["from"])
	assert_.Equal(t, "New title", fields["to"])
}

func TestOpenSetsVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "items.db")
	s, err := Open(path, zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	db, err := bbolt.Open(path, 0600, nil)
	require.NoError(t, err)
	err = db.Update(func(tx *bbolt.Tx) error {
		var version int
		require.NoError(t, json.Unmarshal(tx.Bucket(Buckets.Metadata).Get(MetadataKeys.Version), &version))
		assert_.Equal(t, currentVersion, version)
		return tx.Bucket(Buckets.Metadata).Put(MetadataKeys.Version, []byte("99"))
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Open(path, zap.NewNop().Sugar())
	assert_.ErrorIs(t, err, ErrFutureSchema)
}
