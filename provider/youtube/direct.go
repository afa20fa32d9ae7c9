package youtube

import (
	"context"
	"fmt"
	"strings"

	"github.com/kkdai/youtube/v2"

	"github.com/alanbriolat/audio-relay"
)

// Direct resolves a video's audio stream locally with the YouTube player API, without any mirror.
type Direct struct {
	Client youtube.Client
}

func NewDirect() *Direct {
	return &Direct{Client: youtube.Client{}}
}

// Resolve implements audio_relay.ResolveFunc.
func (d *Direct) Resolve(ctx context.Context, url string) (*audio_relay.ResolvedItem, error) {
	videoID, ok := audio_relay.YouTubeVideoID(url)
	if !ok {
		return nil, audio_relay.ErrNotApplicable
	}
	video, err := d.Client.GetVideoContext(ctx, videoID)
	if err != nil {
		return nil, fmt.Errorf("failed to get video info: %w", err)
	}

	format, ok := selectFormat(video.Formats)
	if !ok {
		return nil, fmt.Errorf("no audio-only formats for video %s", videoID)
	}
	streamURL, err := d.Client.GetStreamURLContext(ctx, video, format)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream URL: %w", err)
	}

	return &audio_relay.ResolvedItem{
		SourceType:      audio_relay.SourceTypeYouTube,
		Title:           video.Title,
		Publisher:       video.Author,
		DurationSeconds: int(video.Duration.Seconds()),
		ThumbnailURL:    selectThumbnail(thumbnailsOf(video.Thumbnails)),
		AudioURL:        streamURL,
		OriginalURL:     url,
	}, nil
}

// selectFormat picks the best audio-only format, by the same rules as the mirrors use.
func selectFormat(all youtube.FormatList) (*youtube.Format, bool) {
	var formats youtube.FormatList
	var streams []audioStream
	for _, f := range all.WithAudioChannels() {
		if !strings.HasPrefix(f.MimeType, "audio/") {
			continue
		}
		formats = append(formats, f)
		streams = append(streams, audioStream{Bitrate: f.Bitrate, MimeType: f.MimeType})
	}
	best := selectStream(streams)
	if best == -1 {
		return nil, false
	}
	return &formats[best], true
}

func thumbnailsOf(ts youtube.Thumbnails) []thumbnail {
	thumbnails := make([]thumbnail, 0, len(ts))
	for _, t := range ts {
		thumbnails = append(thumbnails, thumbnail{URL: t.URL, Width: int(t.Width), Height: int(t.Height)})
	}
	return thumbnails
}
