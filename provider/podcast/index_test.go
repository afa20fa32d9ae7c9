package podcast

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	assert_ "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthHeaders(t *testing.T) {
	assert := assert_.New(t)
	h := AuthHeaders("KEY", "SECRET", time.Unix(1700000000, 0))
	digest := sha1.Sum([]byte("KEYSECRET1700000000"))
	assert.Equal("KEY", h.Get("X-Auth-Key"))
	assert.Equal("1700000000", h.Get("X-Auth-Date"))
	assert.Equal(hex.EncodeToString(digest[:]), h.Get("Authorization"))
}

func TestIndexSearch(t *testing.T) {
	assert := assert_.New(t)
	var got *http.Request
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		fmt.Fprint(w, `{"status": "true", "feeds": [
			{"id": 1, "title": "The Show", "url": "https://feeds.example.com/show.xml"},
			{"id": 2, "title": "Broken", "url": ""}
		]}`)
	}))
	defer s.Close()

	config := DefaultIndexConfig()
	config.Endpoint = s.URL + "/api/1.0/"
	config.APIKey = "KEY"
	config.APISecret = "SECRET"
	index := NewIndex(config, s.Client())
	index.now = func() time.Time { return time.Unix(1700000000, 0) }

	feeds, err := index.Search(context.Background(), " The Show ")
	require.NoError(t, err)
	require.Len(t, feeds, 1)
	assert.Equal("https://feeds.example.com/show.xml", feeds[0].URL)
	assert.Equal("/api/1.0/search/byterm", got.URL.Path)
	assert.Equal("The Show", got.URL.Query().Get("q"))
	assert.Equal("KEY", got.Header.Get("X-Auth-Key"))
	assert.Equal("1700000000", got.Header.Get("X-Auth-Date"))
	assert.Equal("audio-relay/1.0", got.Header.Get("User-Agent"))
	assert.Len(got.Header.Get("Authorization"), 40)
}

func TestIndexWithoutCredentials(t *testing.T) {
	index := NewIndex(DefaultIndexConfig(), nil)
	assert_.False(t, index.HasCredentials())
	_, err := index.Search(context.Background(), "anything")
	assert_.ErrorIs(t, err, ErrNoCredentials)
}
