package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	assert_ "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/alanbriolat/audio-relay"
	"github.com/alanbriolat/audio-relay/internal/cache"
	"github.com/alanbriolat/audio-relay/internal/remux"
	"github.com/alanbriolat/audio-relay/provider/feed"
	"github.com/alanbriolat/audio-relay/provider/podcast"
)

const ytURL = "https://www.youtube.com/watch?v=dQw4w9WgXcQ"

type fakeRemuxer struct {
	mu    sync.Mutex
	calls []string
	// fail maps an upstream URL to the error returned for it; write is written before failing when set.
	fail  map[string]error
	write string
}

func (f *fakeRemuxer) Remux(ctx context.Context, upstreamURL string, w io.Writer) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, upstreamURL)
	err := f.fail[upstreamURL]
	f.mu.Unlock()
	var n int
	if err == nil || f.write != "" {
		n, _ = io.WriteString(w, "data:"+upstreamURL)
	}
	return int64(n), err
}

func (f *fakeRemuxer) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeItems map[string]*audio_relay.ResolvedItem

func (f fakeItems) LookupItem(ctx context.Context, id string) (*audio_relay.ResolvedItem, error) {
	if item, ok := f[id]; ok {
		return item, nil
	}
	return nil, fmt.Errorf("item %s: not found", id)
}

func stage(name string, audioURL string, err error, calls *int32) audio_relay.ResolveFunc {
	return func(ctx context.Context, url string) (*audio_relay.ResolvedItem, error) {
		atomic.AddInt32(calls, 1)
		if err != nil {
			return nil, err
		}
		return &audio_relay.ResolvedItem{SourceType: audio_relay.SourceTypeOther, Title: name, AudioURL: audioURL}, nil
	}
}

type recorder struct {
	mu       sync.Mutex
	cache    []string
	sessions []string
}

func (r *recorder) attach(p *Proxy) {
	p.OnCache = func(result string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.cache = append(r.cache, result)
	}
	p.OnSession = func(outcome string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.sessions = append(r.sessions, outcome)
	}
}

func TestServeCacheHitSkipsResolution(t *testing.T) {
	assert := assert_.New(t)
	var calls int32
	c := cache.NewStreamCache()
	c.Put("item-1", "https://cdn.example.com/a.m4a")
	rm := &fakeRemuxer{}
	p := NewProxy(DefaultConfig(), c, rm, nil, Resolvers{
		Extractor: stage("extractor", "https://other/b.m4a", nil, &calls),
	}, zap.NewNop().Sugar())
	var rec recorder
	rec.attach(p)

	w := httptest.NewRecorder()
	require.NoError(t, p.Serve(context.Background(), "item-1", "https://example.com/page", w))
	assert.Equal(int32(0), calls)
	assert.Equal([]string{"https://cdn.example.com/a.m4a"}, rm.Calls())
	assert.Equal(remux.ContentType, w.Header().Get("Content-Type"))
	assert.Equal("no-store", w.Header().Get("Cache-Control"))
	assert.Equal("data:https://cdn.example.com/a.m4a", w.Body.String())
	assert.Equal([]string{"hit"}, rec.cache)
	assert.Equal([]string{"completed"}, rec.sessions)
}

func TestForgetDropsCachedURL(t *testing.T) {
	var calls int32
	c := cache.NewStreamCache()
	c.Put("item-1", "https://cdn.example.com/a.m4a")
	rm := &fakeRemuxer{}
	p := NewProxy(DefaultConfig(), c, rm, nil, Resolvers{
		Extractor: stage("extractor", "https://cdn.example.com/b.m4a", nil, &calls),
	}, zap.NewNop().Sugar())

	p.Forget("item-1")
	_, ok := c.Get("item-1")
	assert_.False(t, ok)
	require.NoError(t, p.Serve(context.Background(), "item-1", "https://example.com/page", httptest.NewRecorder()))
	assert_.Equal(t, int32(1), calls)
	assert_.Equal(t, []string{"https://cdn.example.com/b.m4a"}, rm.Calls())
}

func TestServeYouTubeChain(t *testing.T) {
	assert := assert_.New(t)
	var mirrors, direct, extractor, feedCalls int32
	c := cache.NewStreamCache()
	rm := &fakeRemuxer{}
	items := fakeItems{"yt": {SourceType: audio_relay.SourceTypeYouTube, OriginalURL: ytURL}}
	p := NewProxy(DefaultConfig(), c, rm, items, Resolvers{
		Mirrors:   stage("mirrors", "", audio_relay.Transientf("all mirrors down"), &mirrors),
		Direct:    stage("direct", "https://rr1.googlevideo.com/videoplayback?id=1", nil, &direct),
		Extractor: stage("extractor", "https://never", nil, &extractor),
		Feed:      stage("feed", "https://never", nil, &feedCalls),
	}, zap.NewNop().Sugar())

	require.NoError(t, p.Serve(context.Background(), "yt", ytURL, httptest.NewRecorder()))
	assert.Equal(int32(1), mirrors)
	assert.Equal(int32(1), direct)
	assert.Equal(int32(0), extractor)
	assert.Equal(int32(0), feedCalls)
	cached, ok := c.Get("yt")
	assert.True(ok)
	assert.Equal("https://rr1.googlevideo.com/videoplayback?id=1", cached)
}

func TestServeUnknownYouTubeItemUsesURL(t *testing.T) {
	var mirrors int32
	p := NewProxy(DefaultConfig(), cache.NewStreamCache(), &fakeRemuxer{}, fakeItems{}, Resolvers{
		Mirrors: stage("mirrors", "https://rr1.googlevideo.com/videoplayback?id=2", nil, &mirrors),
	}, zap.NewNop().Sugar())

	require.NoError(t, p.Serve(context.Background(), "missing", ytURL, httptest.NewRecorder()))
	assert_.Equal(t, int32(1), mirrors)
}

func TestServeStoredAudioURL(t *testing.T) {
	assert := assert_.New(t)
	var extractor int32
	c := cache.NewStreamCache()
	rm := &fakeRemuxer{}
	items := fakeItems{"pod": {SourceType: audio_relay.SourceTypePodcast, AudioURL: "https://cdn.example.com/ep.mp3"}}
	p := NewProxy(DefaultConfig(), c, rm, items, Resolvers{
		Extractor: stage("extractor", "https://never", nil, &extractor),
	}, zap.NewNop().Sugar())

	require.NoError(t, p.Serve(context.Background(), "pod", "https://open.spotify.com/episode/x", httptest.NewRecorder()))
	assert.Equal(int32(0), extractor)
	assert.Equal([]string{"https://cdn.example.com/ep.mp3"}, rm.Calls())
}

func TestServeInvalidatesFailingCachedURL(t *testing.T) {
	assert := assert_.New(t)
	var extractor int32
	c := cache.NewStreamCache()
	c.Put("sc", "https://cdn.example.com/revoked.mp3")
	rm := &fakeRemuxer{fail: map[string]error{
		"https://cdn.example.com/revoked.mp3": &remux.ExitError{ExitCode: 1, LastError: "HTTP error 403 Forbidden"},
	}}
	items := fakeItems{"sc": {
		SourceType: audio_relay.SourceTypeSoundCloud,
		Title:      "extractor",
		AudioURL:   "https://cdn.example.com/revoked.mp3",
	}}
	p := NewProxy(DefaultConfig(), c, rm, items, Resolvers{
		Extractor: stage("extractor", "https://cdn.example.com/fresh.mp3", nil, &extractor),
	}, zap.NewNop().Sugar())
	var rec recorder
	rec.attach(p)

	w := httptest.NewRecorder()
	require.NoError(t, p.Serve(context.Background(), "sc", "https://soundcloud.com/a/b", w))
	assert.Equal(int32(1), extractor)
	assert.Equal([]string{"https://cdn.example.com/revoked.mp3", "https://cdn.example.com/fresh.mp3"}, rm.Calls())
	assert.Equal([]string{"hit", "invalidated"}, rec.cache)
	assert.Equal("data:https://cdn.example.com/fresh.mp3", w.Body.String())
	cached, _ := c.Get("sc")
	assert.Equal("https://cdn.example.com/fresh.mp3", cached)
}

func TestServeResolutionFailure(t *testing.T) {
	assert := assert_.New(t)
	var extractor, feedCalls int32
	p := NewProxy(DefaultConfig(), cache.NewStreamCache(), &fakeRemuxer{}, nil, Resolvers{
		Extractor: stage("extractor", "", errors.New("unsupported URL"), &extractor),
		Feed:      stage("feed", "", audio_relay.Transientf("not a feed"), &feedCalls),
	}, zap.NewNop().Sugar())

	w := httptest.NewRecorder()
	err := p.Serve(context.Background(), "x", "https://example.com/page", w)
	var streamErr *Error
	require.ErrorAs(t, err, &streamErr)
	assert.False(streamErr.HeadersSent)
	assert.Contains(err.Error(), "[extractor]")
	assert.Contains(err.Error(), "[feed]")
	assert.Empty(w.Header().Get("Content-Type"))
	assert.Zero(w.Body.Len())
}

func TestServeSpawnFailureIsNotRetried(t *testing.T) {
	assert := assert_.New(t)
	c := cache.NewStreamCache()
	c.Put("a", "https://cdn.example.com/a.mp3")
	spawnErr := fmt.Errorf("%w: %w", remux.ErrSpawn, errors.New("executable file not found"))
	rm := &fakeRemuxer{fail: map[string]error{"https://cdn.example.com/a.mp3": spawnErr}}
	p := NewProxy(DefaultConfig(), c, rm, nil, Resolvers{}, zap.NewNop().Sugar())

	err := p.Serve(context.Background(), "a", "https://cdn.example.com/a.mp3", httptest.NewRecorder())
	var streamErr *Error
	require.ErrorAs(t, err, &streamErr)
	assert.False(streamErr.HeadersSent)
	assert.ErrorIs(err, remux.ErrSpawn)
	assert.Len(rm.Calls(), 1)
}

func TestServeMidStreamFailure(t *testing.T) {
	assert := assert_.New(t)
	c := cache.NewStreamCache()
	c.Put("a", "https://cdn.example.com/a.mp3")
	rm := &fakeRemuxer{
		fail:  map[string]error{"https://cdn.example.com/a.mp3": &remux.WriteError{Err: io.ErrClosedPipe}},
		write: "partial",
	}
	p := NewProxy(DefaultConfig(), c, rm, nil, Resolvers{}, zap.NewNop().Sugar())
	var rec recorder
	rec.attach(p)

	w := httptest.NewRecorder()
	err := p.Serve(context.Background(), "a", "https://cdn.example.com/a.mp3", w)
	var streamErr *Error
	require.ErrorAs(t, err, &streamErr)
	assert.True(streamErr.HeadersSent)
	assert.Equal(remux.ContentType, w.Header().Get("Content-Type"))
	assert.Len(rm.Calls(), 1)
	assert.Equal([]string{"failed_mid_stream"}, rec.sessions)
}

func TestServeCoalescesConcurrentResolution(t *testing.T) {
	var calls int32
	slow := func(ctx context.Context, url string) (*audio_relay.ResolvedItem, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(200 * time.Millisecond)
		return &audio_relay.ResolvedItem{AudioURL: "https://cdn.example.com/shared.mp3"}, nil
	}
	p := NewProxy(DefaultConfig(), cache.NewStreamCache(), &fakeRemuxer{}, nil, Resolvers{Extractor: slow},
		zap.NewNop().Sugar())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert_.NoError(t, p.Serve(context.Background(), "shared", "https://example.com/page", httptest.NewRecorder()))
		}()
	}
	wg.Wait()
	assert_.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestServeResolutionOutlivesClient(t *testing.T) {
	assert := assert_.New(t)
	c := cache.NewStreamCache()
	resolved := make(chan struct{})
	slow := func(ctx context.Context, url string) (*audio_relay.ResolvedItem, error) {
		time.Sleep(100 * time.Millisecond)
		defer close(resolved)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &audio_relay.ResolvedItem{AudioURL: "https://cdn.example.com/late.mp3"}, nil
	}
	p := NewProxy(DefaultConfig(), c, &fakeRemuxer{}, nil, Resolvers{Extractor: slow}, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Serve(ctx, "gone", "https://example.com/page", httptest.NewRecorder())
	assert.ErrorIs(err, context.Canceled)
	<-resolved
	cached, ok := c.Get("gone")
	assert.True(ok)
	assert.Equal("https://cdn.example.com/late.mp3", cached)
}

func TestServeReResolvesNearExpiry(t *testing.T) {
	assert := assert_.New(t)
	now := time.Unix(1_700_000_000, 0)
	c := cache.NewStreamCache(cache.WithClock(func() time.Time { return now }))
	var calls int32
	expiring := func(ctx context.Context, url string) (*audio_relay.ResolvedItem, error) {
		n := atomic.AddInt32(&calls, 1)
		// The first URL expires inside the safety margin, so it is never reused.
		lifetime := int64(299)
		if n > 1 {
			lifetime = 3600
		}
		return &audio_relay.ResolvedItem{
			AudioURL: fmt.Sprintf("https://rr1.googlevideo.com/videoplayback?expire=%d&n=%d", now.Unix()+lifetime, n),
		}, nil
	}
	items := fakeItems{"yt": {SourceType: audio_relay.SourceTypeYouTube}}
	p := NewProxy(DefaultConfig(), c, &fakeRemuxer{}, items, Resolvers{Mirrors: expiring}, zap.NewNop().Sugar())

	require.NoError(t, p.Serve(context.Background(), "yt", ytURL, httptest.NewRecorder()))
	require.NoError(t, p.Serve(context.Background(), "yt", ytURL, httptest.NewRecorder()))
	assert.Equal(int32(2), calls)
	require.NoError(t, p.Serve(context.Background(), "yt", ytURL, httptest.NewRecorder()))
	assert.Equal(int32(2), calls)
}

const showRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
	<title>The Show</title>
	<item>
		<title>Episode 2</title>
		<pubDate>Tue, 02 Jan 2024 10:00:00 GMT</pubDate>
		<enclosure url="https://cdn.example.com/ep2.mp3" type="audio/mpeg"/>
	</item>
	<item>
		<title>Episode 1</title>
		<pubDate>Mon, 01 Jan 2024 10:00:00 GMT</pubDate>
		<enclosure url="https://cdn.example.com/ep1-renewed.mp3" type="audio/mpeg"/>
	</item>
</channel>
</rss>`

// newStoredEpisodeProxy stores "Episode 1" of a two-episode feed with an upstream URL that has since been revoked.
func newStoredEpisodeProxy(t *testing.T, withEpisode bool) (*Proxy, *fakeRemuxer, string) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, showRSS)
	}))
	t.Cleanup(s.Close)
	feedURL := s.URL + "/feed.xml"
	log := zap.NewNop().Sugar()
	feeds := feed.NewResolver(s.Client(), "", log)

	c := cache.NewStreamCache()
	c.Put("ep1", "https://cdn.example.com/ep1.mp3")
	rm := &fakeRemuxer{fail: map[string]error{
		"https://cdn.example.com/ep1.mp3": &remux.ExitError{ExitCode: 1, LastError: "HTTP error 403 Forbidden"},
	}}
	items := fakeItems{"ep1": {
		SourceType:  audio_relay.SourceTypePodcast,
		Title:       "Episode 1",
		AudioURL:    "https://cdn.example.com/ep1.mp3",
		OriginalURL: feedURL,
	}}
	resolvers := Resolvers{Feed: feeds.Resolve}
	if withEpisode {
		resolvers.Episode = podcast.NewResolver(podcast.DefaultConfig(), s.Client(), feeds, log).ResolveEpisode
	}
	return NewProxy(DefaultConfig(), c, rm, items, resolvers, log), rm, feedURL
}

func TestServeRefreshKeepsStoredEpisode(t *testing.T) {
	assert := assert_.New(t)
	p, rm, feedURL := newStoredEpisodeProxy(t, true)

	w := httptest.NewRecorder()
	require.NoError(t, p.Serve(context.Background(), "ep1", feedURL, w))
	assert.Equal([]string{"https://cdn.example.com/ep1.mp3", "https://cdn.example.com/ep1-renewed.mp3"}, rm.Calls())
	assert.Equal("data:https://cdn.example.com/ep1-renewed.mp3", w.Body.String())
}

func TestServeRefreshNeverFallsBackToLatest(t *testing.T) {
	assert := assert_.New(t)
	p, rm, feedURL := newStoredEpisodeProxy(t, false)

	w := httptest.NewRecorder()
	err := p.Serve(context.Background(), "ep1", feedURL, w)
	var streamErr *Error
	require.ErrorAs(t, err, &streamErr)
	assert.False(streamErr.HeadersSent)
	assert.NotContains(rm.Calls(), "https://cdn.example.com/ep2.mp3")
	assert.Zero(w.Body.Len())
}

func TestServeRefreshRejectsDifferentEpisode(t *testing.T) {
	assert := assert_.New(t)
	var extractor int32
	c := cache.NewStreamCache()
	c.Put("sc", "https://cdn.example.com/revoked.mp3")
	rm := &fakeRemuxer{fail: map[string]error{
		"https://cdn.example.com/revoked.mp3": &remux.ExitError{ExitCode: 1, LastError: "HTTP error 403 Forbidden"},
	}}
	items := fakeItems{"sc": {SourceType: audio_relay.SourceTypeSoundCloud, Title: "First Track"}}
	p := NewProxy(DefaultConfig(), c, rm, items, Resolvers{
		Extractor: stage("Something Else Entirely", "https://cdn.example.com/other.mp3", nil, &extractor),
	}, zap.NewNop().Sugar())

	err := p.Serve(context.Background(), "sc", "https://soundcloud.com/a/b", httptest.NewRecorder())
	assert.ErrorIs(err, ErrEpisodeMismatch)
	assert.Equal(int32(1), extractor)
	assert.Equal([]string{"https://cdn.example.com/revoked.mp3"}, rm.Calls())
}

func TestRefreshDoesNotJoinInFlightLookup(t *testing.T) {
	assert := assert_.New(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var calls int32
	resolve := func(ctx context.Context, url string) (*audio_relay.ResolvedItem, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
			<-release
			return &audio_relay.ResolvedItem{AudioURL: "https://cdn.example.com/stale.mp3"}, nil
		}
		return &audio_relay.ResolvedItem{AudioURL: "https://cdn.example.com/fresh.mp3"}, nil
	}
	p := NewProxy(DefaultConfig(), cache.NewStreamCache(), &fakeRemuxer{}, nil, Resolvers{Extractor: resolve},
		zap.NewNop().Sugar())

	lookup := make(chan string, 1)
	go func() {
		u, _, _ := p.upstream(context.Background(), "x", "https://example.com/page", false)
		lookup <- u
	}()
	<-started

	refreshed := make(chan string, 1)
	go func() {
		u, _, _ := p.upstream(context.Background(), "x", "https://example.com/page", true)
		refreshed <- u
	}()
	select {
	case u := <-refreshed:
		assert.Equal("https://cdn.example.com/fresh.mp3", u)
	case <-time.After(2 * time.Second):
		t.Error("refresh waited on the in-flight lookup")
	}
	close(release)
	assert.Equal("https://cdn.example.com/stale.mp3", <-lookup)
}
