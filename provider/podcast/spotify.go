package podcast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/alanbriolat/audio-relay"
	"github.com/alanbriolat/audio-relay/util"
)

// SpotifyPage is the metadata scraped from a Spotify episode or show page.
type SpotifyPage struct {
	// EpisodeTitle is empty for show pages.
	EpisodeTitle string
	ShowName     string
	ImageURL     string
}

var (
	spotifyFromShow  = regexp.MustCompile(`(?i)\bfrom (.+?) on Spotify\b`)
	spotifyShowTitle = regexp.MustCompile(`^(.+?) \| Podcast on Spotify$`)
	spotifyDotSuffix = regexp.MustCompile(`^(.+?) · (?:Podcast|Episode)\b`)
)

// ParseSpotifyPage reads Open Graph metadata from a Spotify page.
func ParseSpotifyPage(r io.Reader, isShow bool) (SpotifyPage, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return SpotifyPage{}, err
	}
	meta := func(property string) string {
		value, _ := doc.Find(fmt.Sprintf(`meta[property="%s"]`, property)).First().Attr("content")
		return strings.TrimSpace(value)
	}
	ogTitle := meta("og:title")
	ogDescription := meta("og:description")
	title := strings.TrimSpace(doc.Find("title").First().Text())

	page := SpotifyPage{ImageURL: meta("og:image")}
	if isShow {
		page.ShowName = ogTitle
		if page.ShowName == "" {
			if m := spotifyShowTitle.FindStringSubmatch(title); m != nil {
				page.ShowName = m[1]
			}
		}
	} else {
		page.EpisodeTitle = ogTitle
		for _, candidate := range []string{ogDescription, title} {
			if m := spotifyFromShow.FindStringSubmatch(candidate); m != nil {
				page.ShowName = strings.TrimSpace(m[1])
				break
			}
			if m := spotifyDotSuffix.FindStringSubmatch(candidate); m != nil {
				page.ShowName = strings.TrimSpace(m[1])
				break
			}
		}
	}
	if page.ShowName == "" {
		return page, fmt.Errorf("no show name in page metadata")
	}
	return page, nil
}

func isSpotifyShow(rawURL string) bool {
	return strings.Contains(rawURL, "/show/")
}

func (r *Resolver) fetchSpotifyPage(ctx context.Context, rawURL string) (SpotifyPage, bool, error) {
	header := http.Header{}
	header.Set("User-Agent", r.config.PageUserAgent)
	header.Set("Accept-Language", "en")
	resp, err := util.Get(ctx, r.client, rawURL, header)
	if err != nil {
		return SpotifyPage{}, false, audio_relay.Transient(err)
	}
	defer resp.Body.Close()
	page, err := ParseSpotifyPage(io.LimitReader(resp.Body, 4<<20), isSpotifyShow(rawURL))
	if err != nil {
		r.log.Infow("could not read spotify page metadata", "url", rawURL, "error", err)
		return SpotifyPage{}, false, nil
	}
	return page, true, nil
}

func (r *Resolver) resolveSpotify(ctx context.Context, rawURL string) (*audio_relay.ResolvedItem, error) {
	page, found, err := r.spotifyPages.GetOrCompute(rawURL, func() (SpotifyPage, bool, error) {
		return r.fetchSpotifyPage(ctx, rawURL)
	})
	if err != nil || !found {
		return nil, err
	}
	log := r.log.With("url", rawURL, "show", page.ShowName, "episode", page.EpisodeTitle)

	if page.EpisodeTitle == "" {
		return r.resolveSpotifyShow(ctx, page)
	}
	item, err := r.searchAndMatch(ctx, page.ShowName, page.EpisodeTitle)
	if err != nil {
		return nil, err
	}
	if item == nil {
		log.Infow("no feed episode matches spotify episode")
		return nil, nil
	}
	if item.ThumbnailURL == "" {
		item.ThumbnailURL = page.ImageURL
	}
	return item, nil
}

// resolveSpotifyShow picks the latest episode of the feed whose title matches the show name.
func (r *Resolver) resolveSpotifyShow(ctx context.Context, page SpotifyPage) (*audio_relay.ResolvedItem, error) {
	candidates, err := r.index.Search(ctx, page.ShowName)
	if errors.Is(err, ErrNoCredentials) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	show := NormalizeTitle(page.ShowName)
	for _, candidate := range candidates {
		if NormalizeTitle(candidate.Title) != show {
			continue
		}
		return r.feeds.ResolveLatest(ctx, candidate.URL)
	}
	r.log.Infow("no feed matches spotify show", "show", page.ShowName)
	return nil, nil
}
