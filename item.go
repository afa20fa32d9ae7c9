package audio_relay

// SourceType tells the client how to present and play a ResolvedItem.
type SourceType string

const (
	SourceTypePodcast     SourceType = "podcast"
	SourceTypeYouTube     SourceType = "youtube"
	SourceTypeSoundCloud  SourceType = "soundcloud"
	SourceTypeSubstack    SourceType = "substack"
	SourceTypeOther       SourceType = "other"
	SourceTypeUnsupported SourceType = "unsupported"
)

// A ResolvedItem is the normalized result of resolving a user-supplied URL. Optional fields are left at their zero
// value when the provider did not expose them.
type ResolvedItem struct {
	SourceType      SourceType `json:"source_type"`
	Title           string     `json:"title"`
	Publisher       string     `json:"publisher,omitempty"`
	DurationSeconds int        `json:"duration_seconds,omitempty"`
	ThumbnailURL    string     `json:"thumbnail_url,omitempty"`
	// AudioURL is empty when there is no in-app playback and the client should open OriginalURL externally.
	AudioURL    string `json:"audio_url,omitempty"`
	OriginalURL string `json:"original_url"`
}

// Unsupported is the terminal result for a URL that no strategy could resolve.
func Unsupported(url string) ResolvedItem {
	return ResolvedItem{
		SourceType:  SourceTypeUnsupported,
		Title:       url,
		OriginalURL: url,
	}
}

// Playable returns true if the item carries a direct audio URL.
func (i *ResolvedItem) Playable() bool {
	return i.AudioURL != ""
}

// IsMetadataOnly returns true for a YouTube item that was resolved for display but deliberately has no audio URL;
// the stream proxy resolves those at play time.
func (i *ResolvedItem) IsMetadataOnly() bool {
	return i.SourceType == SourceTypeYouTube && i.AudioURL == ""
}
