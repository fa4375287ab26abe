// Package keystamp validates the time-bound anti-hotlink token bundled with
// every request: "<unix_seconds>-<hex_prefix>".
package keystamp

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// MaxSkew is the largest tolerated difference between the server's clock
// and the stamp's claimed time.
const MaxSkew = 900 * time.Second

// suffix is appended to the signed string; fixed by the existing protocol.
const suffix = "hotlinkthis"

// ErrMalformed means the keystamp could not be split into time and prefix.
var ErrMalformed = errors.New("keystamp: malformed")

// ErrExpired means the time component is outside the allowed skew.
var ErrExpired = errors.New("keystamp: expired")

// ErrPrefixMismatch means the computed signature does not start with the
// supplied hex prefix.
var ErrPrefixMismatch = errors.New("keystamp: prefix mismatch")

// Split parses "<unix_seconds>-<hex_prefix>" into its two halves. Both
// halves must be non-empty.
func Split(raw string) (stampTime int64, hexPrefix string, err error) {
	idx := strings.IndexByte(raw, '-')
	if idx <= 0 || idx == len(raw)-1 {
		return 0, "", ErrMalformed
	}
	timePart, prefixPart := raw[:idx], raw[idx+1:]
	if timePart == "" || prefixPart == "" {
		return 0, "", ErrMalformed
	}
	t, err := strconv.ParseInt(timePart, 10, 64)
	if err != nil {
		return 0, "", ErrMalformed
	}
	return t, prefixPart, nil
}

// Sign computes sha1_hex("<stampTime>-<fileID>-<serverKey>-hotlinkthis").
func Sign(stampTime int64, fileID, serverKey string) string {
	h := sha1.New()
	h.Write([]byte(strconv.FormatInt(stampTime, 10)))
	h.Write([]byte("-"))
	h.Write([]byte(fileID))
	h.Write([]byte("-"))
	h.Write([]byte(serverKey))
	h.Write([]byte("-"))
	h.Write([]byte(suffix))
	return hex.EncodeToString(h.Sum(nil))
}

// Validate accepts the request iff the keystamp is well-formed, within
// MaxSkew of serverTime, and its prefix matches the start of the expected
// signature for fileID under serverKey.
func Validate(raw, fileID, serverKey string, serverTime int64) error {
	stampTime, hexPrefix, err := Split(raw)
	if err != nil {
		return err
	}

	skew := serverTime - stampTime
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > MaxSkew {
		return ErrExpired
	}

	expected := Sign(stampTime, fileID, serverKey)
	if !strings.HasPrefix(expected, hexPrefix) {
		return ErrPrefixMismatch
	}
	return nil
}
