// Package media stores alert images submitted as base64 data URLs.
package media

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/zulandar/convoyops/internal/apperr"
)

// MaxImageBytes bounds a decoded image.
const MaxImageBytes = 8 << 20

// URLPrefix is the path stored images are served under.
const URLPrefix = "/uploads"

var (
	allowedTypes = map[string]bool{
		"image/jpeg": true,
		"image/png":  true,
		"image/gif":  true,
		"image/webp": true,
	}
	safeName = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

// Image is a decoded, stored image.
type Image struct {
	Ref      string // public reference, e.g. /uploads/<id>.jpg
	Path     string // file on disk
	MIMEType string
	Data     []byte
}

// Store writes images under a directory.
type Store struct {
	Dir string
}

// NewStore returns a Store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{Dir: dir}
}

// Decode parses a data URL ("data:image/png;base64,....") or bare base64
// string. The declared type must agree with the sniffed content.
func Decode(dataURL string) (data []byte, mimeType string, err error) {
	declared := ""
	payload := strings.TrimSpace(dataURL)
	if strings.HasPrefix(payload, "data:") {
		header, rest, ok := strings.Cut(payload, ",")
		if !ok {
			return nil, "", apperr.Invalid("image", "malformed data URL")
		}
		meta := strings.TrimPrefix(header, "data:")
		parts := strings.Split(meta, ";")
		if len(parts) < 2 || parts[len(parts)-1] != "base64" {
			return nil, "", apperr.Invalid("image", "data URL must be base64 encoded")
		}
		declared = strings.ToLower(parts[0])
		payload = rest
	}
	if payload == "" {
		return nil, "", apperr.Invalid("image", "empty image")
	}
	if base64.StdEncoding.DecodedLen(len(payload)) > MaxImageBytes+3 {
		return nil, "", apperr.Invalid("image", fmt.Sprintf("larger than %d bytes", MaxImageBytes))
	}
	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", apperr.Invalid("image", "invalid base64: "+err.Error())
	}
	if len(data) > MaxImageBytes {
		return nil, "", apperr.Invalid("image", fmt.Sprintf("larger than %d bytes", MaxImageBytes))
	}

	sniffed := mimetype.Detect(data)
	mimeType = sniffed.String()
	if !allowedTypes[mimeType] {
		return nil, "", apperr.Invalid("image", fmt.Sprintf("unsupported content type %s", mimeType))
	}
	if declared != "" && !sniffed.Is(declared) {
		return nil, "", apperr.Invalid("image", fmt.Sprintf("declared %s but content is %s", declared, mimeType))
	}
	return data, mimeType, nil
}

// Save decodes dataURL and writes it as <id><ext> under the store
// directory.
func (s *Store) Save(id, dataURL string) (Image, error) {
	if !safeName.MatchString(id) {
		return Image{}, apperr.Invalid("id", "unsafe image name")
	}
	data, mimeType, err := Decode(dataURL)
	if err != nil {
		return Image{}, err
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return Image{}, fmt.Errorf("media: create dir: %w", err)
	}
	name := id + mimetype.Lookup(mimeType).Extension()
	path := filepath.Join(s.Dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Image{}, fmt.Errorf("media: write %s: %w", name, err)
	}
	return Image{
		Ref:      URLPrefix + "/" + name,
		Path:     path,
		MIMEType: mimeType,
		Data:     data,
	}, nil
}
