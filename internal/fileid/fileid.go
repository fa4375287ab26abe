// Package fileid decodes the opaque file_id path segment into the
// content-addressed metadata the rest of the pipeline keys off of.
package fileid

import (
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
)

// HashSize is the length in bytes of the content hash (SHA-1).
const HashSize = 20

// ErrMalformed is returned for any file_id that does not match the
// "<hex-sha1>:<size>:<mime-slug>:<width>x<height>" shape.
var ErrMalformed = errors.New("fileid: malformed")

// mimeBySlug maps the compact slug embedded in a file_id to the MIME type
// served in the Content-Type header. An unrecognized slug is not a parse
// failure — it falls back to octet-stream, same as an unknown extension
// would in a real CDN front door.
var mimeBySlug = map[string]string{
	"image-jpeg":            "image/jpeg",
	"image-png":             "image/png",
	"image-gif":             "image/gif",
	"image-webp":            "image/webp",
	"video-mp4":             "video/mp4",
	"video-webm":            "video/webm",
	"audio-mpeg":            "audio/mpeg",
	"application-pdf":       "application/pdf",
	"application-zip":       "application/zip",
	"application-octet-stream": "application/octet-stream",
}

const fallbackMime = "application/octet-stream"

// Info is the immutable, parsed view of a file_id.
type Info struct {
	Hash   [HashSize]byte
	Size   uint64
	Mime   string
	Width  int
	Height int
}

// HashHex returns the lowercase hex encoding of Hash, used as the
// download-registry key's string form in logs.
func (i Info) HashHex() string {
	return hex.EncodeToString(i.Hash[:])
}

// Parse decodes a file_id of the form
// "<40-hex-sha1>:<decimal-size>:<mime-slug>:<width>x<height>".
func Parse(fileID string) (Info, error) {
	parts := strings.Split(fileID, ":")
	if len(parts) != 4 {
		return Info{}, ErrMalformed
	}
	hashHex, sizeStr, mimeSlug, dims := parts[0], parts[1], parts[2], parts[3]

	if len(hashHex) != HashSize*2 {
		return Info{}, ErrMalformed
	}
	hashBytes, err := hex.DecodeString(hashHex)
	if err != nil {
		return Info{}, ErrMalformed
	}

	size, err := strconv.ParseUint(sizeStr, 10, 64)
	if err != nil {
		return Info{}, ErrMalformed
	}

	width, height, err := parseDims(dims)
	if err != nil {
		return Info{}, ErrMalformed
	}

	mime, ok := mimeBySlug[mimeSlug]
	if !ok {
		mime = fallbackMime
	}

	var info Info
	copy(info.Hash[:], hashBytes)
	info.Size = size
	info.Mime = mime
	info.Width = width
	info.Height = height
	return info, nil
}

func parseDims(s string) (width, height int, err error) {
	w, h, ok := strings.Cut(s, "x")
	if !ok {
		return 0, 0, ErrMalformed
	}
	width64, err := strconv.ParseUint(w, 10, 32)
	if err != nil {
		return 0, 0, ErrMalformed
	}
	height64, err := strconv.ParseUint(h, 10, 32)
	if err != nil {
		return 0, 0, ErrMalformed
	}
	return int(width64), int(height64), nil
}
