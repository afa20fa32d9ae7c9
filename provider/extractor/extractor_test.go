package extractor

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	assert_ "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/alanbriolat/audio-relay"
)

const soundcloudJSON = `{
	"id": "123",
	"title": "A Track",
	"uploader": "An Artist",
	"duration": 241.7,
	"thumbnail": "https://i1.sndcdn.com/artworks-large.jpg",
	"url": "https://cf-hls-media.sndcdn.com/a.m4a",
	"extractor": "soundcloud",
	"extractor_key": "Soundcloud",
	"webpage_url": "https://soundcloud.com/artist/a-track"
}`

type fakeRun struct {
	name        string
	args        []string
	cookieFile  string
	cookieBytes string
	stdout      string
	stderr      string
	err         error
	block       bool
}

func (f *fakeRun) run(ctx context.Context, name string, args []string) ([]byte, []byte, error) {
	f.name = name
	f.args = args
	for i, a := range args {
		if a == "--cookies" {
			f.cookieFile = args[i+1]
			b, _ := os.ReadFile(f.cookieFile)
			f.cookieBytes = string(b)
		}
	}
	if f.block {
		<-ctx.Done()
		return nil, nil, ctx.Err()
	}
	return []byte(f.stdout), []byte(f.stderr), f.err
}

func newTestExtractor(config Config, f *fakeRun) *Extractor {
	e := New(config, zap.NewNop().Sugar())
	e.Run = f.run
	return e
}

func TestArgs(t *testing.T) {
	assert := assert_.New(t)
	url := "https://example.com/a?b=1;rm -rf /&c=$(id)"
	assert.Equal([]string{
		"--dump-single-json", "--no-playlist", "--no-warnings", "--ignore-config",
		"-f", "bestaudio[ext=m4a]/bestaudio[acodec^=mp4a]/bestaudio/best",
		"--", url,
	}, Args(url, "", 0))
	assert.Equal([]string{
		"--dump-single-json", "--no-playlist", "--no-warnings", "--ignore-config",
		"-f", "bestaudio[ext=m4a]/bestaudio[acodec^=mp4a]/bestaudio/best",
		"--cookies", "/tmp/c.txt", "--socket-timeout", "15",
		"--", "-not-an-option",
	}, Args("-not-an-option", "/tmp/c.txt", 15*time.Second))
}

func TestExtract(t *testing.T) {
	assert := assert_.New(t)
	f := &fakeRun{stdout: soundcloudJSON}
	e := newTestExtractor(DefaultConfig(), f)

	info, err := e.Extract(context.Background(), "https://soundcloud.com/artist/a-track", nil)
	require.NoError(t, err)
	assert.Equal("yt-dlp", f.name)
	assert.Equal("A Track", info.Title)
	assert.Equal("https://cf-hls-media.sndcdn.com/a.m4a", info.URL)
	assert.Equal("soundcloud", info.Label())
	assert.Empty(f.cookieFile)
}

func TestExtractCookiesAreScoped(t *testing.T) {
	assert := assert_.New(t)
	dir := t.TempDir()
	config := DefaultConfig()
	config.TempDir = dir
	config.Cookies = "# Netscape HTTP Cookie File\n.youtube.com\tTRUE\t/\tTRUE\t0\tSID\tabc\n"

	f := &fakeRun{stdout: soundcloudJSON}
	e := newTestExtractor(config, f)
	_, err := e.Extract(context.Background(), "https://soundcloud.com/a", nil)
	require.NoError(t, err)
	assert.Equal(config.Cookies, f.cookieBytes)
	assert.NoFileExists(f.cookieFile)

	// Per-call cookies win, and the file is removed on the error path too.
	f = &fakeRun{err: errors.New("exit status 1"), stderr: "ERROR: Sign in to confirm you're not a bot"}
	e = newTestExtractor(config, f)
	_, err = e.Extract(context.Background(), "https://soundcloud.com/a", &Options{Cookies: "override"})
	require.Error(t, err)
	assert.Equal("override", f.cookieBytes)
	assert.NoFileExists(f.cookieFile)
	entries, _ := os.ReadDir(dir)
	assert.Empty(entries)
}

func TestExtractCookiesFile(t *testing.T) {
	config := DefaultConfig()
	config.CookiesFile = "/etc/audio-relay/cookies.txt"
	f := &fakeRun{stdout: soundcloudJSON}
	_, err := newTestExtractor(config, f).Extract(context.Background(), "https://soundcloud.com/a", nil)
	require.NoError(t, err)
	assert_.Equal(t, "/etc/audio-relay/cookies.txt", f.cookieFile)
}

func TestExtractFailures(t *testing.T) {
	assert := assert_.New(t)

	f := &fakeRun{err: errors.New("exit status 1"), stderr: "[generic] x\nERROR: Unsupported URL: https://example.com/"}
	_, err := newTestExtractor(DefaultConfig(), f).Extract(context.Background(), "https://example.com/", nil)
	var runErr *RunError
	require.True(t, errors.As(err, &runErr))
	assert.Contains(err.Error(), "Unsupported URL")

	f = &fakeRun{stdout: `{"title": "truncated`}
	_, err = newTestExtractor(DefaultConfig(), f).Extract(context.Background(), "https://example.com/", nil)
	assert.True(audio_relay.IsTransient(err))

	f = &fakeRun{stdout: `{"title": "no stream", "extractor": "generic"}`}
	_, err = newTestExtractor(DefaultConfig(), f).Extract(context.Background(), "https://example.com/", nil)
	assert.ErrorIs(err, ErrNoStreamURL)
}

func TestExtractRequestedFormatsFallback(t *testing.T) {
	f := &fakeRun{stdout: `{
		"title": "merged",
		"extractor": "vimeo",
		"requested_formats": [
			{"url": "https://cdn/video", "acodec": "none"},
			{"url": "https://cdn/audio", "acodec": "mp4a.40.2"}
		]
	}`}
	info, err := newTestExtractor(DefaultConfig(), f).Extract(context.Background(), "https://vimeo.com/1", nil)
	require.NoError(t, err)
	assert_.Equal(t, "https://cdn/audio", info.URL)
}

func TestExtractTimeout(t *testing.T) {
	f := &fakeRun{block: true}
	start := time.Now()
	_, err := newTestExtractor(DefaultConfig(), f).Extract(context.Background(), "https://example.com/",
		&Options{Timeout: 50 * time.Millisecond})
	assert_.ErrorIs(t, err, ErrTimeout)
	assert_.True(t, audio_relay.IsTransient(err))
	assert_.Less(t, int64(time.Since(start)), int64(5*time.Second))
}

func TestResolve(t *testing.T) {
	assert := assert_.New(t)
	f := &fakeRun{stdout: soundcloudJSON}
	e := newTestExtractor(DefaultConfig(), f)

	item, err := e.Resolve(context.Background(), "https://soundcloud.com/artist/a-track")
	require.NoError(t, err)
	assert.Equal(audio_relay.SourceTypeSoundCloud, item.SourceType)
	assert.Equal("An Artist", item.Publisher)
	assert.Equal(241, item.DurationSeconds)
	assert.Equal("https://i1.sndcdn.com/artworks-large.jpg", item.ThumbnailURL)

	f.stdout = `{"title": "Post", "url": "https://cdn/p.mp3", "extractor": "generic"}`
	item, err = e.Resolve(context.Background(), "https://writer.substack.com/p/post")
	require.NoError(t, err)
	assert.Equal(audio_relay.SourceTypeSubstack, item.SourceType)

	_, err = e.Resolve(context.Background(), "ftp://example.com/a.mp3")
	assert.ErrorIs(err, audio_relay.ErrNotApplicable)
}
