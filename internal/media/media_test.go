package media

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/eargollo/camsync/internal/testutil"
)

func TestClassify(t *testing.T) {
	cases := map[string]Category{
		"/a/IMG_0001.JPG":  Picture,
		"/a/img.jpeg":      Picture,
		"/a/clip.mp4":      Movie,
		"/a/CLIP.MOV":      Movie,
		"/a/notes.txt":     Ignored,
		"/a/noext":         Ignored,
		"/a/.jpg.bak":      Ignored,
		"/a/archive.jpg/x": Ignored,
	}
	for path, want := range cases {
		if got := Classify(path); got != want {
			t.Errorf("Classify(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestCategoryExt(t *testing.T) {
	if Picture.Ext() != "JPG" || Movie.Ext() != "MP4" || Ignored.Ext() != "" {
		t.Fatalf("unexpected extensions: %q %q %q", Picture.Ext(), Movie.Ext(), Ignored.Ext())
	}
}

func TestDestExt(t *testing.T) {
	cases := map[string]string{
		"/a/IMG_1.jpeg":   "JPG",
		"/a/IMG_1.JPG":    "JPG",
		"/a/clip.mp4":     "MP4",
		"/a/IMG_0001.MOV": "MOV",
		"/a/IMG_0002.mov": "MOV",
		"/a/notes.txt":    "",
	}
	for p, want := range cases {
		if got := DestExt(p); got != want {
			t.Errorf("DestExt(%q) = %q, want %q", p, got, want)
		}
	}
}

// TestCaptureTimePicture reads the EXIF DateTime in the given zone and leaves
// the reader at offset 0 for the digest that follows.
func TestCaptureTimePicture(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*3600)
	taken := time.Date(2023, 7, 14, 9, 30, 5, 0, tokyo)
	r := bytes.NewReader(testutil.JPEG(taken, []byte("body")))

	got, err := CaptureTime(r, Picture, tokyo)
	if err != nil {
		t.Fatalf("CaptureTime: %v", err)
	}
	if !got.Equal(taken) {
		t.Errorf("got %v, want %v", got, taken)
	}
	if BucketKey(got) != "2023-07-14 09:30:05" {
		t.Errorf("bucket key %q", BucketKey(got))
	}
	if pos, _ := r.Seek(0, io.SeekCurrent); pos != 0 {
		t.Errorf("reader left at %d, want 0", pos)
	}
}

// TestCaptureTimeMovie converts the mvhd creation time (UTC, 1904 epoch)
// into the configured zone.
func TestCaptureTimeMovie(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*3600)
	created := time.Date(2023, 7, 14, 0, 30, 5, 0, time.UTC)
	r := bytes.NewReader(testutil.MP4(created, []byte("mdat-ish")))

	got, err := CaptureTime(r, Movie, tokyo)
	if err != nil {
		t.Fatalf("CaptureTime: %v", err)
	}
	if BucketKey(got) != "2023-07-14 09:30:05" {
		t.Errorf("bucket key %q, want 2023-07-14 09:30:05", BucketKey(got))
	}
	if pos, _ := r.Seek(0, io.SeekCurrent); pos != 0 {
		t.Errorf("reader left at %d, want 0", pos)
	}
}

func TestCaptureTimeCorrupt(t *testing.T) {
	for _, cat := range []Category{Picture, Movie} {
		r := bytes.NewReader([]byte("definitely not media"))
		_, err := CaptureTime(r, cat, time.UTC)
		var nte *NoTimestampError
		if !errors.As(err, &nte) {
			t.Fatalf("%v: got %v, want NoTimestampError", cat, err)
		}
		if nte.Category != cat {
			t.Errorf("category %v, want %v", nte.Category, cat)
		}
	}
}

func TestExtractImageMetaNoExif(t *testing.T) {
	meta := ExtractImageMeta(bytes.NewReader([]byte{0xFF, 0xD8, 0xFF, 0xD9}))
	if meta != (ImageMeta{}) {
		t.Errorf("expected empty meta, got %+v", meta)
	}
}

func TestExtractImageMeta(t *testing.T) {
	taken := time.Date(2021, 1, 2, 3, 4, 5, 0, time.UTC)
	meta := ExtractImageMeta(bytes.NewReader(testutil.JPEG(taken, nil)))
	if meta.TakenAt != "2021:01:02 03:04:05" {
		t.Errorf("TakenAt = %q", meta.TakenAt)
	}
}
