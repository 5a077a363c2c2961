package ingest

import (
	"errors"
	"os"
	"strings"
	"testing"
)

func TestStaging_Save(t *testing.T) {
	staging, err := NewStaging(t.TempDir())
	if err != nil {
		t.Fatalf("NewStaging: %v", err)
	}

	path, err := staging.Save("report.txt", strings.NewReader("uploaded content"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading staged file: %v", err)
	}
	if string(data) != "uploaded content" {
		t.Errorf("staged content = %q", data)
	}
	if !strings.HasSuffix(path, "_report.txt") {
		t.Errorf("staged name %q should keep the original filename suffix", path)
	}
}

func TestStaging_SaveUnsupported(t *testing.T) {
	staging, err := NewStaging(t.TempDir())
	if err != nil {
		t.Fatalf("NewStaging: %v", err)
	}

	if _, err := staging.Save("payload.exe", strings.NewReader("MZ")); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("Save = %v, want ErrUnsupportedFormat", err)
	}
}

func TestStaging_SaveStripsPath(t *testing.T) {
	dir := t.TempDir()
	staging, err := NewStaging(dir)
	if err != nil {
		t.Fatalf("NewStaging: %v", err)
	}

	path, err := staging.Save("../../etc/passwd.txt", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !strings.HasPrefix(path, dir) {
		t.Errorf("staged path %q escaped the staging directory", path)
	}
}

func TestStaging_Remove(t *testing.T) {
	staging, err := NewStaging(t.TempDir())
	if err != nil {
		t.Fatalf("NewStaging: %v", err)
	}

	path, err := staging.Save("doc.md", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := staging.Remove(path); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("staged file still exists after Remove")
	}
	// Removing twice is not an error.
	if err := staging.Remove(path); err != nil {
		t.Errorf("second Remove: %v", err)
	}
}

func TestIsSupported(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"doc.pdf", true},
		{"doc.PDF", true},
		{"notes.txt", true},
		{"readme.md", true},
		{"page.html", true},
		{"page.htm", true},
		{"image.png", false},
		{"archive.zip", false},
		{"noextension", false},
	}
	for _, tt := range tests {
		if got := IsSupported(tt.name); got != tt.want {
			t.Errorf("IsSupported(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}
