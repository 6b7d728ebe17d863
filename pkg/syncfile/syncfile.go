// Package syncfile implements the obfuscated filename codec used by the
// Fog of World sync folder. Each tile file is identified by a numeric id
// and stored under a derived name; the mapping is a strict bijection so
// the server can both parse producer-written names and regenerate them
// byte-for-byte.
package syncfile

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MaxID is the largest valid sync-file id (the map is a 512x512 tile grid).
const MaxID = 512 * 512

const (
	filenameMask1 = "olhwjsktri"
	filenameMask2 = "eizxdwknmo"
)

var (
	// ErrInvalidFilename is returned when a name cannot be decoded back to
	// an id, or does not round-trip to the exact same name.
	ErrInvalidFilename = errors.New("invalid sync file name")

	// ErrInvalidID is returned for ids outside [0, MaxID].
	ErrInvalidID = errors.New("invalid sync file id")

	// ErrHashNotLowercase is returned when a SHA-256 digest contains
	// uppercase characters. Digests are store keys and must be lowercase.
	ErrHashNotLowercase = errors.New("sha256 must be lower case")
)

// SyncFile pairs a tile id with the lowercase SHA-256 of its content.
type SyncFile struct {
	ID     uint32
	SHA256 string
}

// Filename derives the obfuscated on-disk name for an id.
//
// The name is built from the decimal form of the id: a 4-hex-char MD5
// prefix, the digit-substituted body, and a 2-char digit-substituted
// suffix taken from the last two decimal digits.
func Filename(id uint32) string {
	idStr := strconv.FormatUint(uint64(id), 10)

	var body strings.Builder
	for _, c := range idStr {
		body.WriteByte(filenameMask1[c-'0'])
	}

	suffixSrc := idStr
	if len(idStr) >= 2 {
		suffixSrc = idStr[len(idStr)-2:]
	}
	var suffix strings.Builder
	for _, c := range suffixSrc {
		suffix.WriteByte(filenameMask2[c-'0'])
	}

	sum := md5.Sum([]byte(idStr))
	prefix := hex.EncodeToString(sum[:])[:4]

	return prefix + body.String() + suffix.String()
}

// New validates an (id, sha256) pair.
func New(id uint32, sha256Lowercase string) (SyncFile, error) {
	if id > MaxID {
		return SyncFile{}, ErrInvalidID
	}
	if strings.ToLower(sha256Lowercase) != sha256Lowercase {
		return SyncFile{}, ErrHashNotLowercase
	}
	return SyncFile{ID: id, SHA256: sha256Lowercase}, nil
}

// Parse decodes a filename back into a SyncFile. The body between the
// 4-char prefix and the 2-char suffix is reversed through the digit table,
// then the canonical name is re-derived from the recovered id; anything
// that does not round-trip exactly is rejected.
func Parse(name, sha256Lowercase string) (SyncFile, error) {
	if len(name) < 6 {
		return SyncFile{}, ErrInvalidFilename
	}
	// Ids below 10 encode with a single-char suffix, so their 6-char names
	// carry the body in name[4:5] instead of the usual name[4:len-2]. Both
	// slices are tried; the regeneration check below keeps this unambiguous.
	bodies := []string{name[4 : len(name)-2]}
	if len(name) == 6 {
		bodies = append(bodies, name[4:5])
	}
	for _, body := range bodies {
		id, ok := decodeBody(body)
		if ok && Filename(id) == name {
			return New(id, sha256Lowercase)
		}
	}
	return SyncFile{}, ErrInvalidFilename
}

func decodeBody(body string) (uint32, bool) {
	var id uint32
	for _, c := range body {
		v := strings.IndexRune(filenameMask1, c)
		if v < 0 {
			return 0, false
		}
		// guard against overflow before it can wrap
		if id > MaxID {
			return 0, false
		}
		id = id*10 + uint32(v)
	}
	return id, true
}

// Filename returns the canonical obfuscated name for this file.
func (f SyncFile) Filename() string {
	return Filename(f.ID)
}

// String implements fmt.Stringer for log lines.
func (f SyncFile) String() string {
	return fmt.Sprintf("syncfile(id=%d, sha256=%s)", f.ID, f.SHA256)
}
