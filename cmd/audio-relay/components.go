package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/alanbriolat/audio-relay"
	"github.com/alanbriolat/audio-relay/internal/cache"
	"github.com/alanbriolat/audio-relay/internal/config"
	"github.com/alanbriolat/audio-relay/internal/metrics"
	"github.com/alanbriolat/audio-relay/internal/remux"
	"github.com/alanbriolat/audio-relay/internal/stream"
	"github.com/alanbriolat/audio-relay/provider/extractor"
	"github.com/alanbriolat/audio-relay/provider/feed"
	"github.com/alanbriolat/audio-relay/provider/podcast"
	"github.com/alanbriolat/audio-relay/provider/youtube"
)

type components struct {
	dispatcher *audio_relay.Dispatcher
	proxy      *stream.Proxy
	remuxer    *remux.Remuxer
	metrics    *metrics.Metrics
}

func newComponents(cfg config.Config, log *zap.SugaredLogger, reg prometheus.Registerer, items stream.ItemLookup) (*components, error) {
	m := metrics.New(reg)
	client := &http.Client{Timeout: cfg.HTTPTimeout}

	embed := youtube.NewEmbed(client)
	feeds := feed.NewResolver(client, cfg.Feed.UserAgent, log)
	podcasts := podcast.NewResolver(cfg.Podcast, client, feeds, log)
	ext := extractor.New(cfg.Extractor, log)
	if !podcasts.HasCredentials() {
		log.Warn("podcast index credentials not set, only Apple Podcasts URLs will resolve")
	}

	dispatcher, err := audio_relay.NewDispatcher(audio_relay.Stages{
		Platform:  podcasts,
		CrossRef:  podcasts,
		Embed:     embed,
		Extractor: ext.Resolve,
		Feed:      feeds.Resolve,
	},
		audio_relay.WithLogger(log),
		audio_relay.WithTimeout(cfg.Dispatch.Timeout),
		audio_relay.WithBatchWorkers(cfg.Dispatch.BatchWorkers),
		audio_relay.WithAttemptObserver(m.ObserveAttempt),
	)
	if err != nil {
		return nil, err
	}

	racer := youtube.NewRacer(cfg.YouTube, client, log)
	racer.OnRequest = m.ObserveMirrorRequest
	direct := youtube.NewDirect()
	direct.Client.HTTPClient = client

	streamCache := cache.NewStreamCache(cache.WithTTL(cfg.Cache.TTL), cache.WithMargin(cfg.Cache.Margin))
	remuxer := remux.New(cfg.Remux, log)
	proxy := stream.NewProxy(cfg.Stream, streamCache, remuxer, items, stream.Resolvers{
		Mirrors:   racer.Resolve,
		Direct:    direct.Resolve,
		Extractor: ext.Resolve,
		Feed:      feeds.Resolve,
		Episode:   podcasts.ResolveEpisode,
	}, log)
	proxy.OnCache = m.ObserveCache
	proxy.OnSession = m.ObserveSession

	return &components{
		dispatcher: dispatcher,
		proxy:      proxy,
		remuxer:    remuxer,
		metrics:    m,
	}, nil
}
