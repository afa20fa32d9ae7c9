package feed

import (
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/alanbriolat/audio-relay"
)

// An Episode is one feed entry that carries audio.
type Episode struct {
	Title           string
	Link            string
	GUID            string
	AudioURL        string
	Author          string
	ImageURL        string
	DurationSeconds int
	Published       *time.Time
}

type Feed struct {
	URL      string
	Title    string
	Author   string
	ImageURL string
	// Episodes are in feed order, and only include entries with an audio enclosure.
	Episodes []Episode
}

// Latest returns the most recently published episode. Episodes without a date are only chosen if none have one, in
// which case the first in feed order wins.
func (f *Feed) Latest() (*Episode, bool) {
	if len(f.Episodes) == 0 {
		return nil, false
	}
	latest := &f.Episodes[0]
	for i := range f.Episodes[1:] {
		e := &f.Episodes[i+1]
		if e.Published == nil {
			continue
		}
		if latest.Published == nil || e.Published.After(*latest.Published) {
			latest = e
		}
	}
	return latest, true
}

// Item converts the episode to a ResolvedItem, filling gaps from the feed.
func (e *Episode) Item(f *Feed, sourceType audio_relay.SourceType) *audio_relay.ResolvedItem {
	item := &audio_relay.ResolvedItem{
		SourceType:      sourceType,
		Title:           e.Title,
		Publisher:       firstNonEmpty(e.Author, f.Author, f.Title),
		DurationSeconds: e.DurationSeconds,
		ThumbnailURL:    firstNonEmpty(e.ImageURL, f.ImageURL),
		AudioURL:        e.AudioURL,
		OriginalURL:     firstNonEmpty(e.Link, f.URL),
	}
	if item.Title == "" {
		item.Title = f.Title
	}
	return item
}

func fromGofeed(feedURL string, parsed *gofeed.Feed) *Feed {
	f := &Feed{
		URL:   feedURL,
		Title: strings.TrimSpace(parsed.Title),
	}
	if parsed.ITunesExt != nil {
		f.Author = parsed.ITunesExt.Author
		f.ImageURL = parsed.ITunesExt.Image
	}
	if f.Author == "" && parsed.Author != nil {
		f.Author = parsed.Author.Name
	}
	if f.ImageURL == "" && parsed.Image != nil {
		f.ImageURL = parsed.Image.URL
	}
	for _, item := range parsed.Items {
		audioURL := enclosureURL(item)
		if audioURL == "" {
			continue
		}
		e := Episode{
			Title:     strings.TrimSpace(item.Title),
			Link:      item.Link,
			GUID:      item.GUID,
			AudioURL:  audioURL,
			Published: item.PublishedParsed,
		}
		if item.ITunesExt != nil {
			e.Author = item.ITunesExt.Author
			e.ImageURL = item.ITunesExt.Image
			e.DurationSeconds, _ = audio_relay.ParseDuration(item.ITunesExt.Duration)
		}
		if e.Author == "" && item.Author != nil {
			e.Author = item.Author.Name
		}
		if e.ImageURL == "" && item.Image != nil {
			e.ImageURL = item.Image.URL
		}
		f.Episodes = append(f.Episodes, e)
	}
	return f
}

// enclosureURL picks the item's audio enclosure, if it has one.
func enclosureURL(item *gofeed.Item) string {
	for _, enc := range item.Enclosures {
		if enc.URL == "" {
			continue
		}
		if strings.HasPrefix(enc.Type, "audio/") || audio_relay.IsDirectAudioURL(enc.URL) {
			return enc.URL
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
