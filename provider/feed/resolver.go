package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/alanbriolat/audio-relay"
	"github.com/alanbriolat/audio-relay/util"
)

var ErrNoEpisodes = errors.New("feed has no audio episodes")

const maxFeedSize = 32 << 20

// Resolver resolves podcast feeds, Substack posts and bare audio file URLs.
type Resolver struct {
	client    *http.Client
	userAgent string
	log       *zap.SugaredLogger
}

func NewResolver(client *http.Client, userAgent string, log *zap.SugaredLogger) *Resolver {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = zap.S()
	}
	return &Resolver{client: client, userAgent: userAgent, log: log.Named("feed")}
}

// Fetch downloads and parses an RSS, Atom or JSON feed.
func (r *Resolver) Fetch(ctx context.Context, feedURL string) (*Feed, error) {
	header := http.Header{}
	if r.userAgent != "" {
		header.Set("User-Agent", r.userAgent)
	}
	resp, err := util.Get(ctx, r.client, feedURL, header)
	if err != nil {
		return nil, audio_relay.Transient(err)
	}
	defer resp.Body.Close()
	// A Parser keeps state between calls, so each fetch gets its own.
	parsed, err := gofeed.NewParser().Parse(io.LimitReader(resp.Body, maxFeedSize))
	if err != nil {
		return nil, audio_relay.Transientf("failed to parse feed %s: %w", feedURL, err)
	}
	f := fromGofeed(feedURL, parsed)
	r.log.Debugw("fetched feed", "url", feedURL, "title", f.Title, "episodes", len(f.Episodes))
	return f, nil
}

// ResolveLatest fetches a feed and resolves its most recent episode as a podcast item.
func (r *Resolver) ResolveLatest(ctx context.Context, feedURL string) (*audio_relay.ResolvedItem, error) {
	f, err := r.Fetch(ctx, feedURL)
	if err != nil {
		return nil, err
	}
	latest, ok := f.Latest()
	if !ok {
		return nil, fmt.Errorf("%s: %w", feedURL, ErrNoEpisodes)
	}
	return latest.Item(f, audio_relay.SourceTypePodcast), nil
}

// Resolve implements audio_relay.ResolveFunc.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) (*audio_relay.ResolvedItem, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, audio_relay.ErrNotApplicable
	}
	switch {
	case audio_relay.IsDirectAudioURL(rawURL):
		return &audio_relay.ResolvedItem{
			SourceType:  audio_relay.SourceTypeOther,
			Title:       util.TitleFromURLString(rawURL),
			AudioURL:    rawURL,
			OriginalURL: rawURL,
		}, nil
	case audio_relay.IsSubstackURL(rawURL) && strings.HasPrefix(u.Path, "/p/"):
		return r.resolveSubstackPost(ctx, u)
	default:
		item, err := r.ResolveLatest(ctx, rawURL)
		if err != nil {
			return nil, err
		}
		item.OriginalURL = rawURL
		return item, nil
	}
}

// resolveSubstackPost finds the post's audio in the publication feed. A post that is not in the feed, either because
// it has no audio or because it has aged out, is ErrNoMatch rather than some other episode.
func (r *Resolver) resolveSubstackPost(ctx context.Context, post *url.URL) (*audio_relay.ResolvedItem, error) {
	feedURL := fmt.Sprintf("%s://%s/feed", post.Scheme, post.Host)
	f, err := r.Fetch(ctx, feedURL)
	if err != nil {
		return nil, err
	}
	postPath := strings.TrimSuffix(post.Path, "/")
	for i := range f.Episodes {
		e := &f.Episodes[i]
		link, err := url.Parse(e.Link)
		if err != nil {
			continue
		}
		if strings.EqualFold(link.Host, post.Host) && strings.TrimSuffix(link.Path, "/") == postPath {
			item := e.Item(f, audio_relay.SourceTypeSubstack)
			item.OriginalURL = post.String()
			return item, nil
		}
	}
	r.log.Infow("substack post not found in feed", "url", post.String(), "feed", feedURL)
	return nil, fmt.Errorf("%s not in %s: %w", postPath, feedURL, audio_relay.ErrNoMatch)
}
