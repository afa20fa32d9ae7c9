package util

import (
	"errors"
	"net/url"
	"path"
	"strings"
)

var (
	ErrNoFilename = errors.New("cannot extract valid filename")
)

// FilenameFromURL returns the final path segment of the URL, unescaped.
func FilenameFromURL(url *url.URL) (string, error) {
	if url == nil {
		return "", ErrNoFilename
	}
	trimmed := strings.Trim(url.Path, "/")
	if trimmed == "" {
		return "", ErrNoFilename
	}
	filename := path.Base(trimmed)
	// Don't allow "filenames" that are just ".", "..", etc.
	if strings.ReplaceAll(filename, ".", "") == "" {
		return "", ErrNoFilename
	}
	return filename, nil
}

func FilenameFromURLString(s string) (string, error) {
	if parsedURL, err := url.Parse(s); err != nil {
		return "", err
	} else {
		return FilenameFromURL(parsedURL)
	}
}

// TitleFromURLString derives a display title for a bare media file URL: the file name without its extension, or
// the host name when the path has no usable file name.
func TitleFromURLString(s string) string {
	parsedURL, err := url.Parse(s)
	if err != nil {
		return s
	}
	filename, err := FilenameFromURL(parsedURL)
	if err != nil {
		if parsedURL.Host != "" {
			return parsedURL.Host
		}
		return s
	}
	if title := strings.TrimSuffix(filename, path.Ext(filename)); title != "" {
		return title
	}
	return filename
}
