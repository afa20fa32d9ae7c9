package youtube

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/alanbriolat/audio-relay"
	"github.com/alanbriolat/audio-relay/async"
)

type Config struct {
	// PipedInstances are tried first, all at once.
	PipedInstances []string `yaml:"piped_instances"`
	// InvidiousInstances are only tried once every Piped instance has failed.
	InvidiousInstances []string `yaml:"invidious_instances"`
	// InstanceTimeout bounds each request to a single instance.
	InstanceTimeout time.Duration `yaml:"instance_timeout"`
}

func DefaultConfig() Config {
	return Config{
		PipedInstances: []string{
			"https://pipedapi.kavin.rocks",
			"https://pipedapi.adminforge.de",
			"https://api.piped.private.coffee",
			"https://pipedapi.leptons.xyz",
		},
		InvidiousInstances: []string{
			"https://inv.nadeko.net",
			"https://invidious.nerdvpn.de",
			"https://yewtu.be",
			"https://invidious.privacyredirect.com",
		},
		InstanceTimeout: 10 * time.Second,
	}
}

// A Racer resolves YouTube videos through public mirror instances of the Piped and Invidious APIs, taking the first
// instance that answers with a usable audio stream.
type Racer struct {
	families []family
	timeout  time.Duration
	client   *http.Client
	log      *zap.SugaredLogger
	// OnRequest, if set, is called with the outcome of every instance request: "success", "failed" or "discarded".
	OnRequest func(family string, outcome string)
}

func NewRacer(config Config, client *http.Client, log *zap.SugaredLogger) *Racer {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = zap.S()
	}
	return &Racer{
		families: []family{
			pipedFamily(config.PipedInstances),
			invidiousFamily(config.InvidiousInstances),
		},
		timeout: config.InstanceTimeout,
		client:  client,
		log:     log.Named("mirrors"),
	}
}

// Resolve implements audio_relay.ResolveFunc.
func (r *Racer) Resolve(ctx context.Context, url string) (*audio_relay.ResolvedItem, error) {
	videoID, ok := audio_relay.YouTubeVideoID(url)
	if !ok {
		return nil, audio_relay.ErrNotApplicable
	}
	log := r.log.With("video_id", videoID)

	var errs *multierror.Error
	for _, f := range r.families {
		if len(f.Instances) == 0 {
			continue
		}
		info, instance, err := r.race(ctx, f, videoID)
		if err == nil {
			log.Infow("resolved via mirror", "family", f.Name, "instance", instance)
			return r.toItem(url, info), nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		log.Infow("mirror family exhausted", "family", f.Name, "error", err)
		errs = multierror.Append(errs, fmt.Errorf("%s: %w", f.Name, err))
	}
	return nil, audio_relay.Exhausted(fmt.Sprintf("mirror race for video %s", videoID), errs)
}

// race queries every instance of one family concurrently and returns the first well-formed response.
func (r *Racer) race(ctx context.Context, f family, videoID string) (*videoInfo, string, error) {
	tasks := make([]async.Task[*videoInfo], len(f.Instances))
	for i, instance := range f.Instances {
		instance := instance
		tasks[i] = func(raceCtx context.Context) (*videoInfo, error) {
			ctx := raceCtx
			if r.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, r.timeout)
				defer cancel()
			}
			info, err := f.fetch(ctx, r.client, instance, videoID)
			if err == nil {
				err = validate(info)
			}
			if err != nil {
				// Requests cancelled because another instance won are not failures.
				if raceCtx.Err() == nil {
					r.observe(f.Name, "failed")
				}
				return nil, fmt.Errorf("%s: %w", instance, audio_relay.Transient(err))
			}
			return info, nil
		}
	}

	late := func(o async.Outcome[*videoInfo]) {
		if o.Result.IsOk() {
			r.observe(f.Name, "discarded")
		}
		r.log.Debugw("discarding late mirror response", "family", f.Name, "instance", f.Instances[o.Index],
			"video_id", videoID, "error", o.Result.Error)
	}
	outcome, err := async.FirstOk(ctx, tasks, late)
	if err != nil {
		var merr *multierror.Error
		if errors.As(err, &merr) {
			for _, e := range merr.Errors {
				r.log.Debugw("mirror request failed", "family", f.Name, "video_id", videoID, "error", e)
			}
		}
		return nil, "", err
	}
	r.observe(f.Name, "success")
	return outcome.Result.Value, f.Instances[outcome.Index], nil
}

func (r *Racer) observe(family string, outcome string) {
	if r.OnRequest != nil {
		r.OnRequest(family, outcome)
	}
}

func (r *Racer) toItem(url string, info *videoInfo) *audio_relay.ResolvedItem {
	stream := info.Streams[selectStream(info.Streams)]
	return &audio_relay.ResolvedItem{
		SourceType:      audio_relay.SourceTypeYouTube,
		Title:           info.Title,
		Publisher:       info.Uploader,
		DurationSeconds: info.Duration,
		ThumbnailURL:    selectThumbnail(info.Thumbnails),
		AudioURL:        stream.URL,
		OriginalURL:     url,
	}
}

var errNoAudioStreams = errors.New("no audio streams in response")

func validate(info *videoInfo) error {
	if info == nil || len(info.Streams) == 0 {
		return errNoAudioStreams
	}
	return nil
}
