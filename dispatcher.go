package audio_relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// Stage names, in the order the Dispatcher tries them.
const (
	StagePodcastPlatform = "podcast-platform"
	StageYouTube         = "youtube"
	StageExtractor       = "extractor"
	StageFeed            = "feed"
)

const (
	priorityPodcastPlatform int16 = -200
	priorityYouTube         int16 = -100
	priorityExtractor       int16 = 100
	priorityFeed            int16 = 200
)

// PlatformResolver resolves Spotify and Apple Podcasts URLs through a podcast index. A nil item with a nil error
// means no match.
type PlatformResolver interface {
	ResolvePlatform(ctx context.Context, url string) (*ResolvedItem, error)
}

// CrossReferencer looks for a podcast episode that corresponds to a YouTube video, given the video's embed metadata.
// A nil item with a nil error means no match.
type CrossReferencer interface {
	ResolveYouTube(ctx context.Context, url string, meta *EmbedMetadata) (*ResolvedItem, error)
}

// EmbedMetadata is the lightweight display metadata a video page exposes without resolving any stream.
type EmbedMetadata struct {
	Title        string
	Channel      string
	ThumbnailURL string
}

// EmbedFetcher fetches EmbedMetadata for a video URL.
type EmbedFetcher interface {
	FetchEmbed(ctx context.Context, url string) (*EmbedMetadata, error)
}

// Stages are the providers backing each tier of the Dispatcher. Any of them may be nil, in which case that tier
// (or that part of the YouTube tier) is never applicable.
type Stages struct {
	Platform  PlatformResolver
	CrossRef  CrossReferencer
	Embed     EmbedFetcher
	Extractor ResolveFunc
	Feed      ResolveFunc
}

type dispatcherConfig struct {
	log          *zap.SugaredLogger
	timeout      time.Duration
	batchWorkers int
	onAttempt    func(url string, attempt Attempt)
}

type DispatcherOption func(*dispatcherConfig)

func WithLogger(log *zap.SugaredLogger) DispatcherOption {
	return func(c *dispatcherConfig) {
		c.log = log
	}
}

// WithTimeout bounds a whole dispatch, across every tier.
func WithTimeout(timeout time.Duration) DispatcherOption {
	return func(c *dispatcherConfig) {
		c.timeout = timeout
	}
}

// WithBatchWorkers sets how many URLs DispatchBatch resolves concurrently.
func WithBatchWorkers(n int) DispatcherOption {
	return func(c *dispatcherConfig) {
		c.batchWorkers = n
	}
}

// WithAttemptObserver registers a callback for every strategy attempt, e.g. for metrics.
func WithAttemptObserver(f func(url string, attempt Attempt)) DispatcherOption {
	return func(c *dispatcherConfig) {
		c.onAttempt = f
	}
}

// The Dispatcher resolves URLs by trying each resolution tier in a fixed order until one succeeds.
type Dispatcher struct {
	config   dispatcherConfig
	stages   Stages
	registry StrategyRegistry
	pool     *ants.Pool
	log      *zap.SugaredLogger
}

func NewDispatcher(stages Stages, opts ...DispatcherOption) (*Dispatcher, error) {
	config := dispatcherConfig{
		log:          zap.S(),
		timeout:      2 * time.Minute,
		batchWorkers: 4,
	}
	for _, opt := range opts {
		opt(&config)
	}
	pool, err := ants.NewPool(config.batchWorkers)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch pool: %w", err)
	}
	d := &Dispatcher{
		config: config,
		stages: stages,
		pool:   pool,
		log:    config.log.Named("dispatcher"),
	}
	d.registry.OnAttempt = d.observe
	d.registry.MustAdd(Strategy{Name: StagePodcastPlatform, Resolve: d.resolvePlatform}.
		WithPriority(priorityPodcastPlatform).AsFinal())
	d.registry.MustAdd(Strategy{Name: StageYouTube, Resolve: d.resolveYouTube}.WithPriority(priorityYouTube))
	d.registry.MustAdd(Strategy{Name: StageExtractor, Resolve: d.resolveExtractor}.WithPriority(priorityExtractor))
	d.registry.MustAdd(Strategy{Name: StageFeed, Resolve: d.resolveFeed}.WithPriority(priorityFeed))
	return d, nil
}

// Stages lists the tier names in the order they are tried.
func (d *Dispatcher) Stages() []string {
	return d.registry.List()
}

// Dispatch resolves a URL. It never fails: if every tier fails the result is Unsupported(url). The dispatch is
// detached from ctx cancellation so an abandoned request still completes, bounded by the dispatcher timeout.
func (d *Dispatcher) Dispatch(ctx context.Context, url string) ResolvedItem {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.config.timeout)
	defer cancel()

	log := d.log.With("url", url)
	resolution, err := d.registry.Resolve(ctx, url)
	if err != nil {
		if IsNotApplicable(err) {
			log.Infow("no strategy applies, unsupported")
		} else {
			log.Infow("all strategies failed, unsupported", "error", err)
		}
		return Unsupported(url)
	}
	item, ok := finish(resolution, url)
	if !ok {
		log.Warnw("resolved item has no audio URL, unsupported", "stage", resolution.StrategyName)
		return Unsupported(url)
	}
	log.Infow("resolved", "stage", resolution.StrategyName, "source_type", item.SourceType,
		"playable", item.Playable())
	return item
}

// DispatchWith resolves a URL with only the named tier, reporting why it failed instead of falling back to
// Unsupported. Useful for finding out which tier is misbehaving.
func (d *Dispatcher) DispatchWith(ctx context.Context, stage string, url string) (ResolvedItem, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.config.timeout)
	defer cancel()

	resolution, err := d.registry.ResolveWith(ctx, stage, url)
	if err != nil {
		return ResolvedItem{}, fmt.Errorf("[%s] %w", stage, err)
	}
	item, ok := finish(resolution, url)
	if !ok {
		return ResolvedItem{}, fmt.Errorf("[%s] resolved without an audio URL: %w", stage, ErrNoMatch)
	}
	return item, nil
}

// finish fills in what every resolved item must carry. It returns false if the item is neither playable nor
// metadata-only.
func finish(resolution *Resolution, url string) (ResolvedItem, bool) {
	item := *resolution.Item
	if !item.Playable() && !item.IsMetadataOnly() {
		return item, false
	}
	item.OriginalURL = url
	if item.Title == "" {
		item.Title = url
	}
	return item, true
}

// DispatchBatch resolves many URLs concurrently. Each URL is isolated: a failure only affects its own result, and
// results are returned in input order.
func (d *Dispatcher) DispatchBatch(ctx context.Context, urls []string) []ResolvedItem {
	results := make([]ResolvedItem, len(urls))
	var wg sync.WaitGroup
	for i, url := range urls {
		i, url := i, url
		wg.Add(1)
		task := func() {
			defer wg.Done()
			results[i] = d.Dispatch(ctx, url)
		}
		if err := d.pool.Submit(task); err != nil {
			d.log.Warnw("batch pool rejected task, resolving inline", "url", url, "error", err)
			task()
		}
	}
	wg.Wait()
	return results
}

// Close releases the batch worker pool.
func (d *Dispatcher) Close() {
	d.pool.Release()
}

func (d *Dispatcher) observe(url string, attempt Attempt) {
	log := d.log.With("url", url, "stage", attempt.StrategyName)
	switch outcome := attempt.Outcome(); outcome {
	case "success", "not_applicable":
		log.Debugw("stage attempted", "outcome", outcome)
	default:
		log.Warnw("stage failed", "outcome", outcome, "reason", attempt.Err)
	}
	if d.config.onAttempt != nil {
		d.config.onAttempt(url, attempt)
	}
}

func (d *Dispatcher) resolvePlatform(ctx context.Context, url string) (*ResolvedItem, error) {
	if d.stages.Platform == nil || !IsPodcastPlatformURL(url) {
		return nil, ErrNotApplicable
	}
	item, err := d.stages.Platform.ResolvePlatform(ctx, url)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, fmt.Errorf("podcast platform: %w", ErrNoMatch)
	}
	return item, nil
}

func (d *Dispatcher) resolveYouTube(ctx context.Context, url string) (*ResolvedItem, error) {
	videoID, ok := YouTubeVideoID(url)
	if !ok {
		return nil, ErrNotApplicable
	}
	log := d.log.With("url", url, "video_id", videoID)

	item := &ResolvedItem{
		SourceType:   SourceTypeYouTube,
		Title:        url,
		ThumbnailURL: fmt.Sprintf("https://i.ytimg.com/vi/%s/hqdefault.jpg", videoID),
		OriginalURL:  url,
	}
	if d.stages.Embed == nil {
		return item, nil
	}
	// The same metadata both names the item and drives the cross-reference, so it is fetched once.
	meta, err := d.stages.Embed.FetchEmbed(ctx, url)
	if err != nil {
		log.Infow("embed metadata unavailable, using placeholder metadata", "error", err)
		return item, nil
	}

	if d.stages.CrossRef != nil {
		episode, err := d.stages.CrossRef.ResolveYouTube(ctx, url, meta)
		switch {
		case err != nil:
			log.Infow("podcast cross-reference failed", "error", err)
		case episode != nil && episode.Playable():
			log.Infow("video cross-referenced to podcast episode", "title", episode.Title)
			return episode, nil
		}
	}

	if meta.Title != "" {
		item.Title = meta.Title
	}
	item.Publisher = meta.Channel
	if meta.ThumbnailURL != "" {
		item.ThumbnailURL = meta.ThumbnailURL
	}
	return item, nil
}

func (d *Dispatcher) resolveExtractor(ctx context.Context, url string) (*ResolvedItem, error) {
	if d.stages.Extractor == nil {
		return nil, ErrNotApplicable
	}
	return d.stages.Extractor(ctx, url)
}

func (d *Dispatcher) resolveFeed(ctx context.Context, url string) (*ResolvedItem, error) {
	if d.stages.Feed == nil {
		return nil, ErrNotApplicable
	}
	return d.stages.Feed(ctx, url)
}
