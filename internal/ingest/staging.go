package ingest

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// supportedExtensions are the formats extractText can parse.
var supportedExtensions = map[string]bool{
	".pdf":  true,
	".txt":  true,
	".md":   true,
	".html": true,
	".htm":  true,
}

// IsSupported reports whether the filename has a parseable extension.
func IsSupported(filename string) bool {
	return supportedExtensions[strings.ToLower(filepath.Ext(filename))]
}

// Staging writes uploaded documents into a holding directory before
// ingestion. A file lock serializes writers so concurrent uploads from
// multiple processes cannot interleave.
type Staging struct {
	dir string
}

// NewStaging creates the staging directory if needed.
func NewStaging(dir string) (*Staging, error) {
	if dir == "" {
		return nil, fmt.Errorf("staging directory not configured")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating staging directory %s: %w", dir, err)
	}
	return &Staging{dir: dir}, nil
}

// Save stores the uploaded content under a collision-free name and returns
// the staged file's path. The original filename is kept as a suffix so the
// extension still selects the parser.
func (s *Staging) Save(filename string, r io.Reader) (string, error) {
	base := filepath.Base(filename)
	if base == "." || base == string(filepath.Separator) {
		return "", fmt.Errorf("invalid filename %q", filename)
	}
	if !IsSupported(base) {
		return "", fmt.Errorf("%s: %w", filepath.Ext(base), ErrUnsupportedFormat)
	}

	lock := flock.New(filepath.Join(s.dir, ".staging.lock"))
	if err := lock.Lock(); err != nil {
		return "", fmt.Errorf("acquiring staging lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	staged := filepath.Join(s.dir, uuid.NewString()+"_"+base)
	f, err := os.OpenFile(staged, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640) // #nosec G304 -- name is generated
	if err != nil {
		return "", fmt.Errorf("creating staged file: %w", err)
	}

	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(staged)
		return "", fmt.Errorf("writing staged file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(staged)
		return "", fmt.Errorf("closing staged file: %w", err)
	}
	return staged, nil
}

// Remove deletes a staged file, ignoring files already gone.
func (s *Staging) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing staged file: %w", err)
	}
	return nil
}
