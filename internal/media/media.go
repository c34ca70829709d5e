package media

import (
	"mime"
	"path/filepath"
	"strings"
)

// Category classifies a file for bucketing and upload naming.
type Category int

const (
	Ignored Category = iota
	Picture
	Movie
)

var pictureExts = map[string]bool{
	".jpg": true, ".jpeg": true,
}

var movieExts = map[string]bool{
	".mp4": true, ".mov": true,
}

// Classify returns the Category for the given file path based on extension.
// Every path maps to exactly one category; unknown extensions are Ignored.
func Classify(path string) Category {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case pictureExts[ext]:
		return Picture
	case movieExts[ext]:
		return Movie
	default:
		return Ignored
	}
}

func (c Category) String() string {
	switch c {
	case Picture:
		return "picture"
	case Movie:
		return "movie"
	default:
		return "ignored"
	}
}

// Ext is the upper-case extension used for destination names.
func (c Category) Ext() string {
	switch c {
	case Picture:
		return "JPG"
	case Movie:
		return "MP4"
	default:
		return ""
	}
}

// DestExt is the upper-case extension a file is uploaded under: the
// category default, except QuickTime movies which keep MOV.
func DestExt(path string) string {
	cat := Classify(path)
	if cat == Movie && strings.ToLower(filepath.Ext(path)) == ".mov" {
		return "MOV"
	}
	return cat.Ext()
}

// ContentType returns the MIME content type for the file based on its extension.
// Returns "application/octet-stream" for unknown types.
func ContentType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	ct := mime.TypeByExtension(ext)
	if ct == "" {
		return "application/octet-stream"
	}
	return ct
}
