// Package testutil builds minimal media files for tests.
package testutil

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// JPEG returns a minimal JPEG stream whose EXIF IFD0 carries DateTime
// set to taken (formatted without a zone). pad is appended before EOI so
// that files with the same timestamp can still differ in content.
func JPEG(taken time.Time, pad []byte) []byte {
	stamp := taken.Format("2006:01:02 15:04:05") + "\x00"

	var tiff bytes.Buffer
	le := binary.LittleEndian
	tiff.WriteString("II")
	binary.Write(&tiff, le, uint16(42))
	binary.Write(&tiff, le, uint32(8)) // IFD0 offset
	binary.Write(&tiff, le, uint16(1)) // entry count
	binary.Write(&tiff, le, uint16(0x0132))
	binary.Write(&tiff, le, uint16(2)) // ASCII
	binary.Write(&tiff, le, uint32(len(stamp)))
	binary.Write(&tiff, le, uint32(8+2+12+4)) // value offset
	binary.Write(&tiff, le, uint32(0))        // next IFD
	tiff.WriteString(stamp)

	app1 := append([]byte("Exif\x00\x00"), tiff.Bytes()...)

	var out bytes.Buffer
	out.Write([]byte{0xFF, 0xD8, 0xFF, 0xE1})
	binary.Write(&out, binary.BigEndian, uint16(len(app1)+2))
	out.Write(app1)
	out.Write(pad)
	out.Write([]byte{0xFF, 0xD9})
	return out.Bytes()
}

// MP4 returns a minimal ISO-BMFF stream with a version 0 moov/mvhd box
// whose creation time is created.
func MP4(created time.Time, pad []byte) []byte {
	be := binary.BigEndian
	var out bytes.Buffer

	out.Write([]byte{0, 0, 0, 20})
	out.WriteString("ftypisom")
	binary.Write(&out, be, uint32(512))
	out.WriteString("isom")

	var mvhd bytes.Buffer
	binary.Write(&mvhd, be, uint32(108))
	mvhd.WriteString("mvhd")
	binary.Write(&mvhd, be, uint32(0)) // version + flags
	secs := uint32(created.Unix() + 2082844800)
	binary.Write(&mvhd, be, secs)            // creation
	binary.Write(&mvhd, be, secs)            // modification
	binary.Write(&mvhd, be, uint32(1000))    // timescale
	binary.Write(&mvhd, be, uint32(0))       // duration
	binary.Write(&mvhd, be, uint32(0x10000)) // rate 1.0
	binary.Write(&mvhd, be, uint16(0x100))   // volume 1.0
	mvhd.Write(make([]byte, 2+8))            // reserved
	matrix := []uint32{0x10000, 0, 0, 0, 0x10000, 0, 0, 0, 0x40000000}
	for _, m := range matrix {
		binary.Write(&mvhd, be, m)
	}
	mvhd.Write(make([]byte, 24))       // pre_defined
	binary.Write(&mvhd, be, uint32(2)) // next track id

	binary.Write(&out, be, uint32(8+mvhd.Len()))
	out.WriteString("moov")
	out.Write(mvhd.Bytes())

	if len(pad) > 0 {
		binary.Write(&out, be, uint32(8+len(pad)))
		out.WriteString("free")
		out.Write(pad)
	}
	return out.Bytes()
}

// WriteFile writes data to dir/name, creating parent directories.
func WriteFile(tb testing.TB, dir, name string, data []byte) string {
	tb.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		tb.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		tb.Fatalf("write %s: %v", path, err)
	}
	return path
}
