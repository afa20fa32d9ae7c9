package podcast

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/alanbriolat/audio-relay"
	"github.com/alanbriolat/audio-relay/util"
)

var appleIDPattern = regexp.MustCompile(`/id(\d+)`)

type appleLookupResponse struct {
	ResultCount int `json:"resultCount"`
	Results     []struct {
		WrapperType    string `json:"wrapperType"`
		Kind           string `json:"kind"`
		CollectionName string `json:"collectionName"`
		TrackName      string `json:"trackName"`
		FeedURL        string `json:"feedUrl"`
	} `json:"results"`
}

// AppleIDs extracts the show's catalog id and, if the URL names one, the episode's track id.
func AppleIDs(rawURL string) (showID string, episodeID string, ok bool) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", "", false
	}
	m := appleIDPattern.FindStringSubmatch(u.Path)
	if m == nil {
		return "", "", false
	}
	return m[1], u.Query().Get("i"), true
}

func (r *Resolver) resolveApple(ctx context.Context, rawURL string) (*audio_relay.ResolvedItem, error) {
	showID, episodeID, ok := AppleIDs(rawURL)
	if !ok {
		return nil, fmt.Errorf("no catalog id in %s", rawURL)
	}
	feedURL, found, err := r.appleFeeds.GetOrCompute(showID, func() (string, bool, error) {
		return r.lookupAppleFeed(ctx, showID)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		r.log.Infow("apple podcast has no public feed", "url", rawURL, "id", showID)
		return nil, nil
	}

	f, err := r.feeds.Fetch(ctx, feedURL)
	if err != nil {
		return nil, err
	}
	if episodeID != "" {
		title, err := r.lookupAppleEpisodeTitle(ctx, episodeID)
		if err != nil {
			r.log.Infow("apple episode lookup failed, using latest episode", "url", rawURL, "error", err)
		} else if episode, ok := MatchEpisode(f.Episodes, title); ok {
			return episode.Item(f, audio_relay.SourceTypePodcast), nil
		} else {
			r.log.Infow("apple episode not found in feed, using latest episode", "url", rawURL, "title", title)
		}
	}
	latest, ok := f.Latest()
	if !ok {
		return nil, nil
	}
	return latest.Item(f, audio_relay.SourceTypePodcast), nil
}

func (r *Resolver) appleLookup(ctx context.Context, id string, entity string) (*appleLookupResponse, error) {
	query := url.Values{"id": {id}, "entity": {entity}}
	var body appleLookupResponse
	if err := util.GetJSON(ctx, r.client, r.config.AppleLookupEndpoint+"?"+query.Encode(), nil, &body); err != nil {
		return nil, audio_relay.Transient(err)
	}
	return &body, nil
}

func (r *Resolver) lookupAppleFeed(ctx context.Context, showID string) (string, bool, error) {
	body, err := r.appleLookup(ctx, showID, "podcast")
	if err != nil {
		return "", false, err
	}
	for _, result := range body.Results {
		if result.FeedURL != "" {
			return result.FeedURL, true, nil
		}
	}
	return "", false, nil
}

func (r *Resolver) lookupAppleEpisodeTitle(ctx context.Context, episodeID string) (string, error) {
	body, err := r.appleLookup(ctx, episodeID, "podcastEpisode")
	if err != nil {
		return "", err
	}
	for _, result := range body.Results {
		if result.WrapperType == "podcastEpisode" && result.TrackName != "" {
			return result.TrackName, nil
		}
	}
	return "", fmt.Errorf("episode %s: %w", episodeID, audio_relay.ErrNoMatch)
}
