package media

import (
	"encoding/base64"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/zulandar/convoyops/internal/apperr"
)

// pngHeader is enough of a PNG for content sniffing.
var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

func dataURL(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func TestDecode(t *testing.T) {
	data, mt, err := Decode(dataURL("image/png", pngHeader))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if mt != "image/png" || len(data) != len(pngHeader) {
		t.Errorf("got %s, %d bytes", mt, len(data))
	}

	// Bare base64 is accepted and sniffed.
	if _, mt, err := Decode(base64.StdEncoding.EncodeToString(pngHeader)); err != nil || mt != "image/png" {
		t.Errorf("bare base64: %s, %v", mt, err)
	}
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"no comma", "data:image/png;base64"},
		{"not base64 encoded", "data:image/png," + string(pngHeader)},
		{"bad base64", "data:image/png;base64,@@@"},
		{"not an image", dataURL("text/plain", []byte("hello world"))},
		{"declared type mismatch", dataURL("image/jpeg", pngHeader)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := Decode(tt.input); !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestSave(t *testing.T) {
	s := NewStore(t.TempDir())
	img, err := s.Save("3f2a9c", dataURL("image/png", pngHeader))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if img.Ref != "/uploads/3f2a9c.png" {
		t.Errorf("Ref = %q", img.Ref)
	}
	onDisk, err := os.ReadFile(img.Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(onDisk) != string(pngHeader) {
		t.Error("file content mismatch")
	}
}

func TestSave_UnsafeName(t *testing.T) {
	s := NewStore(t.TempDir())
	for _, id := range []string{"../etc/passwd", "", strings.Repeat("a", 65), "a/b"} {
		if _, err := s.Save(id, dataURL("image/png", pngHeader)); !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("Save(%q) err = %v, want ErrValidation", id, err)
		}
	}
}
