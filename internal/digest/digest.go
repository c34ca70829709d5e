// Package digest computes content addresses for media files.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// BlockSize is the block granularity of the content hash.
const BlockSize = 4 << 20

// ContentHash returns the block content hash of r: the SHA-256 of each
// BlockSize block, then the SHA-256 of the concatenated block digests,
// hex encoded. This is the hash Dropbox reports as content_hash, so local
// and remote files can be compared without downloading. r is rewound to
// the start before returning.
func ContentHash(r io.ReadSeeker) (sum string, err error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("seek: %w", err)
	}
	defer func() {
		if _, serr := r.Seek(0, io.SeekStart); serr != nil && err == nil {
			err = fmt.Errorf("rewind: %w", serr)
		}
	}()

	outer := sha256.New()
	block := sha256.New()
	for {
		block.Reset()
		n, err := io.CopyN(block, r, BlockSize)
		if n > 0 {
			outer.Write(block.Sum(nil))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read block: %w", err)
		}
	}
	return hex.EncodeToString(outer.Sum(nil)), nil
}

// SHA256 returns the plain SHA-256 of r, hex encoded. r is rewound.
func SHA256(r io.ReadSeeker) (sum string, err error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("seek: %w", err)
	}
	defer func() {
		if _, serr := r.Seek(0, io.SeekStart); serr != nil && err == nil {
			err = fmt.Errorf("rewind: %w", serr)
		}
	}()
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("read: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// BlockHash hashes an in-memory buffer the same way ContentHash hashes a stream.
func BlockHash(data []byte) string {
	outer := sha256.New()
	for off := 0; off < len(data); off += BlockSize {
		end := min(off+BlockSize, len(data))
		s := sha256.Sum256(data[off:end])
		outer.Write(s[:])
	}
	return hex.EncodeToString(outer.Sum(nil))
}
