package youtube

import "strings"

// An audioStream is one audio-only stream offered for a video, normalized across API families.
type audioStream struct {
	URL      string
	Bitrate  int
	MimeType string
	Codec    string
}

// copyable returns true if the stream is AAC in an MP4 container, which can be remuxed without re-encoding.
func (s audioStream) copyable() bool {
	mime := strings.ToLower(s.MimeType)
	codec := strings.ToLower(s.Codec)
	return strings.Contains(mime, "mp4") || strings.Contains(mime, "m4a") || strings.HasPrefix(codec, "mp4a")
}

type thumbnail struct {
	URL    string
	Width  int
	Height int
}

// selectStream returns the index of the highest-bitrate stream, preferring copyable ones, or -1 if there are no
// streams. Ties keep the first seen.
func selectStream(streams []audioStream) int {
	best := -1
	for i, s := range streams {
		if s.copyable() && (best == -1 || s.Bitrate > streams[best].Bitrate) {
			best = i
		}
	}
	if best != -1 {
		return best
	}
	for i, s := range streams {
		if best == -1 || s.Bitrate > streams[best].Bitrate {
			best = i
		}
	}
	return best
}

// selectThumbnail picks the largest thumbnail, or the first if none have dimensions.
func selectThumbnail(thumbnails []thumbnail) string {
	var best *thumbnail
	for i := range thumbnails {
		t := &thumbnails[i]
		if t.URL == "" {
			continue
		}
		if best == nil || t.Width*t.Height > best.Width*best.Height {
			best = t
		}
	}
	if best == nil {
		return ""
	}
	return best.URL
}
