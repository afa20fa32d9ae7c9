package youtube

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/alanbriolat/audio-relay/util"
)

// videoInfo is what a mirror returns for a video, normalized across API families.
type videoInfo struct {
	Title      string
	Uploader   string
	Duration   int
	Thumbnails []thumbnail
	Streams    []audioStream
}

// A family is a set of interchangeable mirror instances that share one API.
type family struct {
	Name      string
	Instances []string
	fetch     func(ctx context.Context, client *http.Client, instance string, videoID string) (*videoInfo, error)
}

const (
	FamilyPiped     = "piped"
	FamilyInvidious = "invidious"
)

func pipedFamily(instances []string) family {
	return family{Name: FamilyPiped, Instances: instances, fetch: fetchPiped}
}

func invidiousFamily(instances []string) family {
	return family{Name: FamilyInvidious, Instances: instances, fetch: fetchInvidious}
}

type pipedStreams struct {
	Title        string `json:"title"`
	Uploader     string `json:"uploader"`
	Duration     int    `json:"duration"`
	ThumbnailURL string `json:"thumbnailUrl"`
	AudioStreams []struct {
		URL      string `json:"url"`
		Bitrate  int    `json:"bitrate"`
		MimeType string `json:"mimeType"`
		Codec    string `json:"codec"`
	} `json:"audioStreams"`
}

func fetchPiped(ctx context.Context, client *http.Client, instance string, videoID string) (*videoInfo, error) {
	var body pipedStreams
	endpoint := strings.TrimSuffix(instance, "/") + "/streams/" + url.PathEscape(videoID)
	if err := util.GetJSON(ctx, client, endpoint, nil, &body); err != nil {
		return nil, err
	}
	info := &videoInfo{
		Title:    body.Title,
		Uploader: body.Uploader,
		Duration: body.Duration,
	}
	if body.ThumbnailURL != "" {
		info.Thumbnails = append(info.Thumbnails, thumbnail{URL: body.ThumbnailURL})
	}
	for _, s := range body.AudioStreams {
		if s.URL == "" {
			continue
		}
		info.Streams = append(info.Streams, audioStream{
			URL:      s.URL,
			Bitrate:  s.Bitrate,
			MimeType: s.MimeType,
			Codec:    s.Codec,
		})
	}
	return info, nil
}

type invidiousVideo struct {
	Title           string `json:"title"`
	Author          string `json:"author"`
	LengthSeconds   int    `json:"lengthSeconds"`
	VideoThumbnails []struct {
		URL    string `json:"url"`
		Width  int    `json:"width"`
		Height int    `json:"height"`
	} `json:"videoThumbnails"`
	AdaptiveFormats []struct {
		URL      string      `json:"url"`
		Bitrate  json.Number `json:"bitrate"`
		Type     string      `json:"type"`
		Encoding string      `json:"encoding"`
	} `json:"adaptiveFormats"`
}

func fetchInvidious(ctx context.Context, client *http.Client, instance string, videoID string) (*videoInfo, error) {
	var body invidiousVideo
	base := strings.TrimSuffix(instance, "/")
	endpoint := base + "/api/v1/videos/" + url.PathEscape(videoID)
	if err := util.GetJSON(ctx, client, endpoint, nil, &body); err != nil {
		return nil, err
	}
	info := &videoInfo{
		Title:    body.Title,
		Uploader: body.Author,
		Duration: body.LengthSeconds,
	}
	for _, t := range body.VideoThumbnails {
		thumbURL := t.URL
		// Some instances serve thumbnails through themselves with a relative path.
		if strings.HasPrefix(thumbURL, "/") {
			thumbURL = base + thumbURL
		}
		info.Thumbnails = append(info.Thumbnails, thumbnail{URL: thumbURL, Width: t.Width, Height: t.Height})
	}
	for _, f := range body.AdaptiveFormats {
		if f.URL == "" || !strings.HasPrefix(f.Type, "audio/") {
			continue
		}
		var bitrate int
		if f.Bitrate != "" {
			b, err := f.Bitrate.Float64()
			if err != nil {
				return nil, fmt.Errorf("invalid bitrate %q: %w", f.Bitrate, err)
			}
			bitrate = int(b)
		}
		info.Streams = append(info.Streams, audioStream{
			URL:      f.URL,
			Bitrate:  bitrate,
			MimeType: f.Type,
			Codec:    f.Encoding,
		})
	}
	return info, nil
}
