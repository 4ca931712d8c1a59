package generate

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
)

// ImageSink persists accepted images
type ImageSink interface {
	// Save stores the encoded image for the given result index and returns its path
	Save(index int, png []byte) (string, error)
}

// DirSink writes result_{index}.png files into a directory
type DirSink struct {
	Fs  afero.Fs
	Dir string
}

// NewDirSink creates a sink writing into dir
func NewDirSink(fs afero.Fs, dir string) *DirSink {
	return &DirSink{Fs: fs, Dir: dir}
}

// ResultName returns the file name for a result index
func ResultName(index int) string {
	return fmt.Sprintf("result_%d.png", index)
}

// Save writes png to {Dir}/result_{index}.png, replacing an existing file
func (s *DirSink) Save(index int, png []byte) (string, error) {
	if err := s.Fs.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory %s: %w", s.Dir, err)
	}
	path := filepath.Join(s.Dir, ResultName(index))
	if err := afero.WriteFile(s.Fs, path, png, 0o644); err != nil {
		return "", fmt.Errorf("failed to save image %d: %w", index, err)
	}
	return path, nil
}
