package podcast

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/alanbriolat/audio-relay"
	"github.com/alanbriolat/audio-relay/internal/cache"
	"github.com/alanbriolat/audio-relay/provider/feed"
)

type Config struct {
	Index IndexConfig `yaml:"index"`
	// AppleLookupEndpoint is the iTunes catalog lookup API.
	AppleLookupEndpoint string `yaml:"apple_lookup_endpoint"`
	// MaxCandidateFeeds bounds how many search results are fetched when looking for a specific episode.
	MaxCandidateFeeds int `yaml:"max_candidate_feeds"`
	// PageUserAgent is sent when scraping Spotify pages.
	PageUserAgent string `yaml:"page_user_agent"`
}

func DefaultConfig() Config {
	return Config{
		Index:               DefaultIndexConfig(),
		AppleLookupEndpoint: "https://itunes.apple.com/lookup",
		MaxCandidateFeeds:   5,
		PageUserAgent:       "Mozilla/5.0 (compatible; audio-relay/1.0)",
	}
}

// Resolver maps podcast platform pages (Spotify, Apple Podcasts) and cross-published YouTube videos to episodes in
// the show's own RSS feed.
type Resolver struct {
	config Config
	index  *Index
	feeds  *feed.Resolver
	client *http.Client
	log    *zap.SugaredLogger
	// Apple catalog id to feed URL.
	appleFeeds *cache.Lookup[string]
	// Spotify page URL to scraped metadata.
	spotifyPages *cache.Lookup[SpotifyPage]
}

func NewResolver(cfg Config, client *http.Client, feeds *feed.Resolver, log *zap.SugaredLogger) *Resolver {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = zap.S()
	}
	return &Resolver{
		config:       cfg,
		index:        NewIndex(cfg.Index, client),
		feeds:        feeds,
		client:       client,
		log:          log.Named("podcast"),
		appleFeeds:   cache.NewLookup[string](),
		spotifyPages: cache.NewLookup[SpotifyPage](),
	}
}

// HasCredentials reports whether the podcast index can be searched. Without it only Apple URLs can resolve.
func (r *Resolver) HasCredentials() bool {
	return r.index.HasCredentials()
}

// ResolvePlatform implements audio_relay.PlatformResolver. It returns nil, nil if the URL could not be matched to a
// feed episode.
func (r *Resolver) ResolvePlatform(ctx context.Context, url string) (*audio_relay.ResolvedItem, error) {
	switch {
	case audio_relay.IsApplePodcastsURL(url):
		return r.resolveApple(ctx, url)
	case audio_relay.IsSpotifyURL(url):
		return r.resolveSpotify(ctx, url)
	default:
		return nil, audio_relay.ErrNotApplicable
	}
}

// ResolveEpisode fetches the feed at feedURL and returns the episode titled title. Unlike feed.Resolver.Resolve it
// never falls back to the latest episode: a missing title is ErrNoMatch.
func (r *Resolver) ResolveEpisode(ctx context.Context, feedURL string, title string) (*audio_relay.ResolvedItem, error) {
	f, err := r.feeds.Fetch(ctx, feedURL)
	if err != nil {
		return nil, err
	}
	episode, ok := MatchEpisode(f.Episodes, title)
	if !ok {
		return nil, fmt.Errorf("%q in %s: %w", title, feedURL, audio_relay.ErrNoMatch)
	}
	item := episode.Item(f, audio_relay.SourceTypePodcast)
	item.OriginalURL = feedURL
	return item, nil
}

// searchAndMatch searches the index for term and looks for an episode titled title in each candidate feed, in
// search order. It returns nil, nil if no feed has a matching episode.
func (r *Resolver) searchAndMatch(ctx context.Context, term string, title string) (*audio_relay.ResolvedItem, error) {
	candidates, err := r.index.Search(ctx, term)
	if errors.Is(err, ErrNoCredentials) {
		r.log.Infow("podcast index not configured, skipping search", "term", term)
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if limit := r.config.MaxCandidateFeeds; limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	var errs *multierror.Error
	for _, candidate := range candidates {
		f, err := r.feeds.Fetch(ctx, candidate.URL)
		if err != nil {
			r.log.Debugw("candidate feed unavailable", "feed", candidate.URL, "error", err)
			errs = multierror.Append(errs, err)
			continue
		}
		if episode, ok := MatchEpisode(f.Episodes, title); ok {
			r.log.Infow("matched episode", "term", term, "title", title, "feed", candidate.URL,
				"episode", episode.Title)
			return episode.Item(f, audio_relay.SourceTypePodcast), nil
		}
	}
	// Only a failure if no candidate could even be checked.
	if len(candidates) > 0 && errs != nil && len(errs.Errors) == len(candidates) {
		return nil, errs
	}
	return nil, nil
}
