package podcast

import (
	"context"

	"github.com/alanbriolat/audio-relay"
)

// ResolveYouTube implements audio_relay.CrossReferencer: it looks for an episode in the channel's podcast feed with
// the same title as the video. It returns nil, nil if there is none.
func (r *Resolver) ResolveYouTube(ctx context.Context, url string, meta *audio_relay.EmbedMetadata) (*audio_relay.ResolvedItem, error) {
	if meta == nil || !audio_relay.IsYouTubeURL(url) {
		return nil, audio_relay.ErrNotApplicable
	}
	if !r.index.HasCredentials() {
		return nil, nil
	}
	if meta.Channel == "" || meta.Title == "" {
		return nil, nil
	}
	item, err := r.searchAndMatch(ctx, meta.Channel, meta.Title)
	if err != nil || item == nil {
		return nil, err
	}
	r.log.Infow("youtube video is also a podcast episode", "url", url, "channel", meta.Channel,
		"episode", item.Title)
	return item, nil
}
