package domain

import (
	"net/url"
	"path"
	"strings"
)

// DefaultFilename is used when nothing usable can be derived from the URL.
const DefaultFilename = "downloaded_file"

// FilenameFromURL returns the last path segment of rawURL.
func FilenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return DefaultFilename
	}

	name := path.Base(u.Path)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == "/" || name == ".." {
		return DefaultFilename
	}
	return name
}
