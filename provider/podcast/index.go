package podcast

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/ratelimit"

	"github.com/alanbriolat/audio-relay"
	"github.com/alanbriolat/audio-relay/util"
)

// ErrNoCredentials is returned by Index when no API key and secret are configured.
var ErrNoCredentials = errors.New("podcast index credentials not configured")

type IndexConfig struct {
	Endpoint          string `yaml:"endpoint"`
	APIKey            string `yaml:"-"`
	APISecret         string `yaml:"-"`
	UserAgent         string `yaml:"user_agent"`
	RequestsPerSecond int    `yaml:"requests_per_second"`
	// MaxResults bounds how many feeds a search returns.
	MaxResults int `yaml:"max_results"`
}

func DefaultIndexConfig() IndexConfig {
	return IndexConfig{
		Endpoint:          "https://api.podcastindex.org/api/1.0",
		UserAgent:         "audio-relay/1.0",
		RequestsPerSecond: 5,
		MaxResults:        10,
	}
}

// An IndexFeed is one search result from the podcast index.
type IndexFeed struct {
	ID     int64  `json:"id"`
	Title  string `json:"title"`
	URL    string `json:"url"`
	Author string `json:"author"`
	Image  string `json:"image"`
}

type searchResponse struct {
	Status string      `json:"status"`
	Feeds  []IndexFeed `json:"feeds"`
}

// Index is a client for the Podcast Index search API.
type Index struct {
	config  IndexConfig
	client  *http.Client
	limiter ratelimit.Limiter
	now     func() time.Time
}

func NewIndex(config IndexConfig, client *http.Client) *Index {
	limiter := ratelimit.NewUnlimited()
	if config.RequestsPerSecond > 0 {
		limiter = ratelimit.New(config.RequestsPerSecond)
	}
	return &Index{
		config:  config,
		client:  client,
		limiter: limiter,
		now:     time.Now,
	}
}

// HasCredentials returns true if searches can be made.
func (i *Index) HasCredentials() bool {
	return i.config.APIKey != "" && i.config.APISecret != ""
}

// AuthHeaders builds the Podcast Index authentication headers for a request made at time t: the key, the unix
// time, and the hex SHA-1 digest of key, secret and time concatenated.
func AuthHeaders(key string, secret string, t time.Time) http.Header {
	date := strconv.FormatInt(t.Unix(), 10)
	digest := sha1.Sum([]byte(key + secret + date))
	header := http.Header{}
	header.Set("X-Auth-Key", key)
	header.Set("X-Auth-Date", date)
	header.Set("Authorization", hex.EncodeToString(digest[:]))
	return header
}

// Search finds feeds matching term. Results without a feed URL are dropped.
func (i *Index) Search(ctx context.Context, term string) ([]IndexFeed, error) {
	if !i.HasCredentials() {
		return nil, ErrNoCredentials
	}
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, nil
	}
	query := url.Values{"q": {term}}
	if i.config.MaxResults > 0 {
		query.Set("max", strconv.Itoa(i.config.MaxResults))
	}
	header := AuthHeaders(i.config.APIKey, i.config.APISecret, i.now())
	if i.config.UserAgent != "" {
		header.Set("User-Agent", i.config.UserAgent)
	}
	i.limiter.Take()
	var body searchResponse
	endpoint := strings.TrimSuffix(i.config.Endpoint, "/") + "/search/byterm?" + query.Encode()
	if err := util.GetJSON(ctx, i.client, endpoint, header, &body); err != nil {
		return nil, audio_relay.Transient(err)
	}
	feeds := make([]IndexFeed, 0, len(body.Feeds))
	for _, f := range body.Feeds {
		if f.URL != "" {
			feeds = append(feeds, f)
		}
	}
	return feeds, nil
}
