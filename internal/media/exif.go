package media

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rwcarlsen/goexif/exif"
)

// BucketLayout is the second-granularity layout of a bucket key.
const BucketLayout = "2006-01-02 15:04:05"

const exifLayout = "2006:01:02 15:04:05"

// NoTimestampError is returned when a file carries no usable capture time.
type NoTimestampError struct {
	Category Category
	Err      error
}

func (e *NoTimestampError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("no capture timestamp in %s", e.Category)
	}
	return fmt.Sprintf("no capture timestamp in %s: %v", e.Category, e.Err)
}

func (e *NoTimestampError) Unwrap() error { return e.Err }

// BucketKey formats t as a bucket key.
func BucketKey(t time.Time) string {
	return t.Format(BucketLayout)
}

// CaptureTime reads the capture instant embedded in r. Picture timestamps
// carry no zone and are interpreted in loc; movie timestamps are UTC and
// converted to loc. r is rewound to the start before returning.
func CaptureTime(r io.ReadSeeker, cat Category, loc *time.Location) (t time.Time, err error) {
	if loc == nil {
		loc = time.UTC
	}
	defer func() {
		if _, serr := r.Seek(0, io.SeekStart); serr != nil && err == nil {
			err = fmt.Errorf("rewind: %w", serr)
		}
	}()
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return time.Time{}, fmt.Errorf("seek: %w", err)
	}

	switch cat {
	case Picture:
		return pictureTime(r, loc)
	case Movie:
		return movieTime(r, loc)
	default:
		return time.Time{}, &NoTimestampError{Category: cat}
	}
}

func pictureTime(r io.Reader, loc *time.Location) (time.Time, error) {
	x, err := exif.Decode(r)
	if err != nil {
		return time.Time{}, &NoTimestampError{Category: Picture, Err: err}
	}
	for _, field := range []exif.FieldName{exif.DateTime, exif.DateTimeOriginal} {
		s := exifString(x, field)
		if s == "" {
			continue
		}
		t, err := time.ParseInLocation(exifLayout, s, loc)
		if err != nil {
			return time.Time{}, &NoTimestampError{Category: Picture, Err: err}
		}
		return t, nil
	}
	return time.Time{}, &NoTimestampError{Category: Picture, Err: errors.New("no DateTime tag")}
}

// ImageMeta holds the EXIF fields shown by the meta command.
type ImageMeta struct {
	TakenAt     string `json:"taken_at,omitempty"`
	CameraMake  string `json:"camera_make,omitempty"`
	CameraModel string `json:"camera_model,omitempty"`
	Software    string `json:"software,omitempty"`
	Orientation string `json:"orientation,omitempty"`
}

// ExtractImageMeta reads descriptive EXIF fields from r.
// Returns an empty struct (no error) for files that have no EXIF data.
func ExtractImageMeta(r io.ReadSeeker) ImageMeta {
	var meta ImageMeta
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return meta
	}
	defer func() { _, _ = r.Seek(0, io.SeekStart) }()

	x, err := exif.Decode(r)
	if err != nil {
		return meta // no EXIF is not an error
	}
	meta.TakenAt = exifString(x, exif.DateTime)
	meta.CameraMake = exifString(x, exif.Make)
	meta.CameraModel = exifString(x, exif.Model)
	meta.Software = exifString(x, exif.Software)
	if v := exifString(x, exif.Orientation); v != "" {
		meta.Orientation = orientationLabel(v)
	}
	return meta
}

func exifString(x *exif.Exif, field exif.FieldName) string {
	tag, err := x.Get(field)
	if err != nil {
		return ""
	}
	s, err := tag.StringVal()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(strings.TrimRight(s, "\x00"))
}

func orientationLabel(v string) string {
	switch v {
	case "1":
		return "Normal"
	case "3":
		return "Rotated 180°"
	case "6":
		return "Rotated 90° CW"
	case "8":
		return "Rotated 90° CCW"
	default:
		return v
	}
}
