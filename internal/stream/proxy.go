package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/alanbriolat/audio-relay"
	"github.com/alanbriolat/audio-relay/internal/cache"
	"github.com/alanbriolat/audio-relay/internal/remux"
	"github.com/alanbriolat/audio-relay/provider/feed"
	"github.com/alanbriolat/audio-relay/provider/podcast"
)

// Stage names for re-resolving an upstream URL.
const (
	StageMirrors   = "mirrors"
	StageDirect    = "direct"
	StageExtractor = "extractor"
	StageFeed      = "feed"
	StageEpisode   = "episode"
)

// ErrEpisodeMismatch is returned when re-resolving a stored item yields a different episode than the one stored.
var ErrEpisodeMismatch = errors.New("resolved a different episode")

// An Error is a failed stream session. HeadersSent reports whether the response was already committed, in which
// case the only thing left to do is drop the connection.
type Error struct {
	HeadersSent bool
	Err         error
}

func (e *Error) Error() string {
	return fmt.Sprintf("stream failed (headers sent: %v): %v", e.HeadersSent, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ItemLookup gives the proxy read access to a stored item, to decide how to re-resolve it.
type ItemLookup interface {
	LookupItem(ctx context.Context, id string) (*audio_relay.ResolvedItem, error)
}

// Remuxer copies an upstream URL into a streamable container.
type Remuxer interface {
	Remux(ctx context.Context, upstreamURL string, w io.Writer) (int64, error)
}

// An EpisodeFunc finds the episode titled title among the episodes published at url.
type EpisodeFunc = func(ctx context.Context, url string, title string) (*audio_relay.ResolvedItem, error)

// Resolvers are the strategies used to obtain a fresh upstream URL. Any may be nil. Feed is only used for items
// that were never stored; a stored item is only ever refreshed to the same episode, via Extractor or Episode.
type Resolvers struct {
	Mirrors   audio_relay.ResolveFunc
	Direct    audio_relay.ResolveFunc
	Extractor audio_relay.ResolveFunc
	Feed      audio_relay.ResolveFunc
	Episode   EpisodeFunc
}

type Config struct {
	// ResolveTimeout bounds a re-resolution, which carries on even if the client that triggered it goes away.
	ResolveTimeout time.Duration `yaml:"resolve_timeout"`
}

func DefaultConfig() Config {
	return Config{ResolveTimeout: 90 * time.Second}
}

// A Proxy serves an item's audio to a client, resolving and caching the upstream URL as needed.
type Proxy struct {
	config    Config
	cache     *cache.StreamCache
	remuxer   Remuxer
	items     ItemLookup
	resolvers Resolvers
	youtube   audio_relay.StrategyRegistry
	other     audio_relay.StrategyRegistry
	group     singleflight.Group
	log       *zap.SugaredLogger
	// OnCache, if set, is called with "hit", "miss" or "invalidated" for every cache lookup.
	OnCache func(result string)
	// OnSession, if set, is called with the outcome of every session.
	OnSession func(outcome string)
}

func NewProxy(config Config, streamCache *cache.StreamCache, remuxer Remuxer, items ItemLookup, resolvers Resolvers, log *zap.SugaredLogger) *Proxy {
	if log == nil {
		log = zap.S()
	}
	p := &Proxy{
		config:    config,
		cache:     streamCache,
		remuxer:   remuxer,
		items:     items,
		resolvers: resolvers,
		log:       log.Named("stream"),
	}
	add := func(r *audio_relay.StrategyRegistry, name string, f audio_relay.ResolveFunc, priority int16) {
		if f != nil {
			r.MustAdd(audio_relay.Strategy{Name: name, Resolve: f}.WithPriority(priority))
		}
	}
	add(&p.youtube, StageMirrors, resolvers.Mirrors, 1)
	add(&p.youtube, StageDirect, resolvers.Direct, 2)
	add(&p.youtube, StageExtractor, resolvers.Extractor, 3)
	add(&p.other, StageExtractor, resolvers.Extractor, 1)
	add(&p.other, StageFeed, resolvers.Feed, 2)
	p.youtube.OnAttempt = p.logAttempt
	p.other.OnAttempt = p.logAttempt
	return p
}

// Serve streams the item's audio to w until the upstream is exhausted, ctx is cancelled (the client went away), or
// an error occurs. Errors are always *Error.
func (p *Proxy) Serve(ctx context.Context, itemID string, originalURL string, w http.ResponseWriter) error {
	log := p.log.With("item_id", itemID)
	out := &headerWriter{w: w}

	upstream, cached, err := p.upstream(ctx, itemID, originalURL, false)
	if err != nil {
		p.session("resolve_failed")
		log.Warnw("could not obtain upstream URL", "url", originalURL, "error", err)
		return &Error{Err: err}
	}
	written, err := p.remuxer.Remux(ctx, upstream, out)
	if err != nil && cached && !out.started && ctx.Err() == nil && !errors.Is(err, remux.ErrSpawn) {
		// The cached URL may have been revoked early; try once more with a fresh one.
		log.Infow("cached upstream failed, re-resolving", "error", err)
		p.cache.Invalidate(itemID)
		p.observeCache("invalidated")
		if upstream, _, err = p.upstream(ctx, itemID, originalURL, true); err != nil {
			p.session("resolve_failed")
			return &Error{Err: err}
		}
		written, err = p.remuxer.Remux(ctx, upstream, out)
	}

	switch {
	case err == nil:
		p.session("completed")
		log.Infow("stream completed", "written", written)
		return nil
	case ctx.Err() != nil:
		p.session("client_gone")
		log.Infow("client went away", "written", written)
		return &Error{HeadersSent: out.started, Err: ctx.Err()}
	case out.started:
		p.session("failed_mid_stream")
		log.Warnw("stream failed after headers were sent", "written", written, "error", err)
	default:
		p.session("failed")
		log.Warnw("stream failed", "error", err)
	}
	return &Error{HeadersSent: out.started, Err: err}
}

// Upstream returns a usable upstream URL for the item, from the cache or by re-resolving it.
func (p *Proxy) Upstream(ctx context.Context, itemID string, originalURL string) (string, error) {
	u, _, err := p.upstream(ctx, itemID, originalURL, false)
	return u, err
}

// Forget drops any cached upstream URL for the item, so the next session resolves it afresh.
func (p *Proxy) Forget(itemID string) {
	p.cache.Invalidate(itemID)
}

// upstream returns a usable upstream URL for the item, and whether it came from the cache.
func (p *Proxy) upstream(ctx context.Context, itemID string, originalURL string, refresh bool) (string, bool, error) {
	if !refresh {
		if u, ok := p.cache.Get(itemID); ok {
			p.observeCache("hit")
			return u, true, nil
		}
		p.observeCache("miss")
	}
	// Concurrent sessions for the same item share one resolution, which outlives any one client. A refresh must not
	// join a lookup that could still hand back the URL that just failed.
	key := itemID
	if refresh {
		key += "#refresh"
	}
	v, err, _ := p.group.Do(key, func() (interface{}, error) {
		resolveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.ResolveTimeout)
		defer cancel()
		u, err := p.resolve(resolveCtx, itemID, originalURL, refresh)
		if err != nil {
			return nil, err
		}
		entry := p.cache.Put(itemID, u)
		p.log.Debugw("cached upstream URL", "item_id", itemID, "expires_at", time.Unix(entry.ExpiresAt, 0))
		return u, nil
	})
	if err != nil {
		return "", false, err
	}
	return v.(string), false, nil
}

func (p *Proxy) resolve(ctx context.Context, itemID string, originalURL string, skipStored bool) (string, error) {
	var stored *audio_relay.ResolvedItem
	if p.items != nil {
		item, err := p.items.LookupItem(ctx, itemID)
		if err != nil {
			p.log.Infow("stored item unavailable, resolving from URL alone", "item_id", itemID, "error", err)
		} else {
			stored = item
		}
	}

	var registry *audio_relay.StrategyRegistry
	switch {
	case stored != nil && stored.SourceType == audio_relay.SourceTypeYouTube:
		registry = &p.youtube
	case stored == nil && audio_relay.IsYouTubeURL(originalURL):
		registry = &p.youtube
	case stored == nil:
		registry = &p.other
	case stored.AudioURL != "" && !skipStored:
		return stored.AudioURL, nil
	default:
		registry = p.episodeChain(stored.Title)
	}
	resolution, err := registry.Resolve(ctx, originalURL)
	if err != nil {
		return "", err
	}
	if !resolution.Item.Playable() {
		return "", fmt.Errorf("[%s] resolved without an audio URL", resolution.StrategyName)
	}
	p.log.Infow("resolved upstream", "item_id", itemID, "stage", resolution.StrategyName)
	return resolution.Item.AudioURL, nil
}

// episodeChain builds the stages that refresh a stored non-YouTube item. Both are pinned to the stored title, so a
// refresh fails rather than substituting whatever the show published most recently.
func (p *Proxy) episodeChain(title string) *audio_relay.StrategyRegistry {
	chain := &audio_relay.StrategyRegistry{OnAttempt: p.logAttempt}
	if extract := p.resolvers.Extractor; extract != nil {
		chain.MustAdd(audio_relay.Strategy{
			Name: StageExtractor,
			Resolve: func(ctx context.Context, url string) (*audio_relay.ResolvedItem, error) {
				item, err := extract(ctx, url)
				if err != nil || item == nil {
					return item, err
				}
				if _, ok := podcast.MatchEpisode([]feed.Episode{{Title: item.Title}}, title); !ok {
					return nil, fmt.Errorf("%w: want %q, got %q", ErrEpisodeMismatch, title, item.Title)
				}
				return item, nil
			},
		}.WithPriority(1))
	}
	if episode := p.resolvers.Episode; episode != nil {
		chain.MustAdd(audio_relay.Strategy{
			Name: StageEpisode,
			Resolve: func(ctx context.Context, url string) (*audio_relay.ResolvedItem, error) {
				return episode(ctx, url, title)
			},
		}.WithPriority(2))
	}
	return chain
}

func (p *Proxy) logAttempt(url string, attempt audio_relay.Attempt) {
	if attempt.Err != nil && !audio_relay.IsNotApplicable(attempt.Err) {
		p.log.Warnw("upstream resolution stage failed", "url", url, "stage", attempt.StrategyName,
			"reason", attempt.Err)
	}
}

func (p *Proxy) observeCache(result string) {
	if p.OnCache != nil {
		p.OnCache(result)
	}
}

func (p *Proxy) session(outcome string) {
	if p.OnSession != nil {
		p.OnSession(outcome)
	}
}
