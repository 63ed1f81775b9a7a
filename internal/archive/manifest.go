package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Manifest is the decoded /metadata response, reduced to the file list.
type Manifest struct {
	Files []ManifestFile `json:"files"`
}

// ManifestFile is one remote file entry. The metadata API emits size and
// mtime as strings for some items and numbers for others, so both fields
// decode leniently; anything unparseable reads as 0 (unknown).
type ManifestFile struct {
	Name  string    `json:"name"`
	Size  FlexInt64 `json:"size"`
	MD5   string    `json:"md5"`
	MTime FlexInt64 `json:"mtime"`
}

// FlexInt64 decodes a JSON number, numeric string, null, or empty string
// into an int64.
type FlexInt64 int64

func (v *FlexInt64) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*v = 0
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*v = FlexInt64(n)
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		*v = FlexInt64(int64(f))
		return nil
	}
	// Junk values appear in old items; treat them as unknown.
	*v = 0
	return nil
}

// DecodeManifest reads a metadata response body.
func DecodeManifest(r io.Reader) (*Manifest, error) {
	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &m, nil
}
