package youtube

import (
	"context"
	"net/http"
	"net/url"

	"github.com/alanbriolat/audio-relay"
	"github.com/alanbriolat/audio-relay/util"
)

const DefaultOEmbedEndpoint = "https://www.youtube.com/oembed"

// Embed fetches lightweight display metadata for a video from the oEmbed endpoint, without resolving any stream.
type Embed struct {
	Endpoint string
	Client   *http.Client
}

func NewEmbed(client *http.Client) *Embed {
	return &Embed{Endpoint: DefaultOEmbedEndpoint, Client: client}
}

type oEmbedResponse struct {
	Title        string `json:"title"`
	AuthorName   string `json:"author_name"`
	ThumbnailURL string `json:"thumbnail_url"`
}

// FetchEmbed implements audio_relay.EmbedFetcher.
func (e *Embed) FetchEmbed(ctx context.Context, videoURL string) (*audio_relay.EmbedMetadata, error) {
	videoID, ok := audio_relay.YouTubeVideoID(videoURL)
	if !ok {
		return nil, audio_relay.ErrNotApplicable
	}
	query := url.Values{
		"format": {"json"},
		"url":    {"https://www.youtube.com/watch?v=" + videoID},
	}
	var body oEmbedResponse
	if err := util.GetJSON(ctx, e.Client, e.Endpoint+"?"+query.Encode(), nil, &body); err != nil {
		return nil, audio_relay.Transient(err)
	}
	if body.Title == "" {
		return nil, audio_relay.Transientf("oembed response for %s has no title", videoID)
	}
	return &audio_relay.EmbedMetadata{
		Title:        body.Title,
		Channel:      body.AuthorName,
		ThumbnailURL: body.ThumbnailURL,
	}, nil
}
