package youtube

import (
	"context"
	"testing"

	"github.com/kkdai/youtube/v2"
	assert_ "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanbriolat/audio-relay"
)

func TestSelectFormat(t *testing.T) {
	assert := assert_.New(t)
	formats := youtube.FormatList{
		{ItagNo: 18, MimeType: `video/mp4; codecs="avc1.42001E, mp4a.40.2"`, Bitrate: 500000, AudioChannels: 2},
		{ItagNo: 137, MimeType: `video/mp4; codecs="avc1.640028"`, Bitrate: 4000000},
		{ItagNo: 251, MimeType: `audio/webm; codecs="opus"`, Bitrate: 160000, AudioChannels: 2},
		{ItagNo: 139, MimeType: `audio/mp4; codecs="mp4a.40.5"`, Bitrate: 48000, AudioChannels: 2},
		{ItagNo: 140, MimeType: `audio/mp4; codecs="mp4a.40.2"`, Bitrate: 128000, AudioChannels: 2},
		{ItagNo: 999, MimeType: `audio/mp4; codecs="mp4a.40.2"`, Bitrate: 256000},
	}

	// Muxed video and formats without audio channels are never candidates; AAC wins over a higher-bitrate Opus.
	format, ok := selectFormat(formats)
	require.True(t, ok)
	assert.Equal(140, format.ItagNo)

	format, ok = selectFormat(formats[:3])
	require.True(t, ok)
	assert.Equal(251, format.ItagNo)

	_, ok = selectFormat(formats[:2])
	assert.False(ok)
	_, ok = selectFormat(nil)
	assert.False(ok)
}

func TestThumbnailsOf(t *testing.T) {
	thumbnails := thumbnailsOf(youtube.Thumbnails{
		{URL: "https://i.ytimg.com/vi/x/default.jpg", Width: 120, Height: 90},
		{URL: "https://i.ytimg.com/vi/x/hqdefault.jpg", Width: 480, Height: 360},
	})
	assert_.Equal(t, []thumbnail{
		{URL: "https://i.ytimg.com/vi/x/default.jpg", Width: 120, Height: 90},
		{URL: "https://i.ytimg.com/vi/x/hqdefault.jpg", Width: 480, Height: 360},
	}, thumbnails)
	assert_.Equal(t, "https://i.ytimg.com/vi/x/hqdefault.jpg", selectThumbnail(thumbnails))
	assert_.Empty(t, thumbnailsOf(nil))
}

func TestDirectNotApplicable(t *testing.T) {
	_, err := NewDirect().Resolve(context.Background(), "https://vimeo.com/1")
	assert_.ErrorIs(t, err, audio_relay.ErrNotApplicable)
}
