package render

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
)

// ErrNoVideo is returned when a render directory holds no mp4.
var ErrNoVideo = errors.New("render: no video produced")

// SelectVideo returns the largest .mp4 under dir. Manim writes partial
// movie files next to the final one; the final file is always the biggest.
// Ties keep the first file in lexical walk order.
func SelectVideo(dir string) (string, error) {
	var best string
	var bestSize int64 = -1

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".mp4") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() > bestSize {
			best, bestSize = path, info.Size()
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s does not exist", ErrNoVideo, dir)
	}
	if err != nil {
		return "", fmt.Errorf("render: scan %s: %w", dir, err)
	}
	if best == "" || bestSize == 0 {
		return "", fmt.Errorf("%w under %s", ErrNoVideo, dir)
	}
	return best, nil
}
