package audio_relay

import (
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/alanbriolat/audio-relay/generic"
	"github.com/alanbriolat/audio-relay/util"
)

var (
	youTubeHosts = generic.NewSet(
		"youtube.com",
		"www.youtube.com",
		"m.youtube.com",
		"music.youtube.com",
		"youtube-nocookie.com",
		"www.youtube-nocookie.com",
	)
	youTubePathPrefixes = []string{"/embed/", "/shorts/", "/v/", "/live/", "/e/"}
	videoIDPattern      = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

	audioExtensions = generic.NewSet(
		".aac",
		".flac",
		".m4a",
		".m4b",
		".mp3",
		".mp4",
		".oga",
		".ogg",
		".opus",
		".wav",
	)
	webProtocols = generic.NewSet("http", "https")
)

// YouTubeVideoID extracts the 11-character video ID from a YouTube URL.
//
// Allowed URL formats:
//
//	http(s?)://(www|m|music).youtube.com/watch?v={VIDEO_ID}
//	http(s?)://(www|m).youtube.com/(embed|shorts|v|live)/{VIDEO_ID}
//	http(s?)://(www.)?youtube-nocookie.com/embed/{VIDEO_ID}
//	http(s?)://youtu.be/{VIDEO_ID}
func YouTubeVideoID(rawURL string) (string, bool) {
	u, err := parseWebURL(rawURL)
	if err != nil {
		return "", false
	}
	var id string
	host := strings.ToLower(u.Hostname())
	switch {
	case host == "youtu.be" || host == "www.youtu.be":
		id = strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)[0]
	case youTubeHosts.Contains(host):
		if u.Path == "/watch" || u.Path == "/watch/" {
			id = u.Query().Get("v")
			break
		}
		for _, prefix := range youTubePathPrefixes {
			if strings.HasPrefix(u.Path, prefix) {
				id = strings.SplitN(strings.TrimPrefix(u.Path, prefix), "/", 2)[0]
				break
			}
		}
	default:
		return "", false
	}
	if !videoIDPattern.MatchString(id) {
		return "", false
	}
	return id, true
}

// IsYouTubeURL returns true if a video ID can be extracted from the URL.
func IsYouTubeURL(rawURL string) bool {
	_, ok := YouTubeVideoID(rawURL)
	return ok
}

// IsSpotifyURL matches Spotify episode and show pages.
func IsSpotifyURL(rawURL string) bool {
	u, err := parseWebURL(rawURL)
	if err != nil {
		return false
	}
	if strings.ToLower(u.Hostname()) != "open.spotify.com" {
		return false
	}
	return strings.Contains(u.Path, "/episode/") || strings.Contains(u.Path, "/show/")
}

// IsApplePodcastsURL matches Apple Podcasts show and episode pages.
func IsApplePodcastsURL(rawURL string) bool {
	u, err := parseWebURL(rawURL)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Hostname()) {
	case "podcasts.apple.com":
		return true
	case "itunes.apple.com":
		return strings.Contains(u.Path, "/podcast/")
	default:
		return false
	}
}

// IsPodcastPlatformURL returns true for platforms that can only be resolved through a podcast search index.
func IsPodcastPlatformURL(rawURL string) bool {
	return IsSpotifyURL(rawURL) || IsApplePodcastsURL(rawURL)
}

// IsSubstackURL matches any substack.com host.
func IsSubstackURL(rawURL string) bool {
	u, err := parseWebURL(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == "substack.com" || strings.HasSuffix(host, ".substack.com")
}

// IsDirectAudioURL returns true if the final path segment of the URL carries a known audio file extension.
func IsDirectAudioURL(rawURL string) bool {
	u, err := parseWebURL(rawURL)
	if err != nil {
		return false
	}
	filename, err := util.FilenameFromURL(u)
	if err != nil {
		return false
	}
	return audioExtensions.Contains(strings.ToLower(path.Ext(filename)))
}

// Classify picks the SourceType for an item resolved by the generic extractor, based on the extractor's own
// provider label and the input URL.
func Classify(rawURL string, providerLabel string) SourceType {
	label := strings.ToLower(providerLabel)
	switch {
	case strings.Contains(label, "soundcloud"):
		return SourceTypeSoundCloud
	case strings.Contains(label, "substack") || strings.Contains(strings.ToLower(rawURL), "substack"):
		return SourceTypeSubstack
	default:
		return SourceTypeOther
	}
}

func parseWebURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, err
	}
	if !webProtocols.Contains(strings.ToLower(u.Scheme)) {
		return nil, ErrNotApplicable
	}
	return u, nil
}
