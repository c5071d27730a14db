package dispatch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"autoreply/internal/model"
)

// mediaExtensions is the allow-list for files under the media directory.
var mediaExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".mp4":  true,
	".pdf":  true,
}

// pickMedia returns a uniformly-random eligible file from the media
// directory. Returns ErrMediaUnavailable when the directory is absent or
// holds no eligible files.
func (d *Dispatcher) pickMedia() (string, error) {
	entries, err := os.ReadDir(d.mediaDir)
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrMediaUnavailable, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if mediaExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			files = append(files, filepath.Join(d.mediaDir, e.Name()))
		}
	}
	if len(files) == 0 {
		return "", fmt.Errorf("%w: no eligible files in %s", model.ErrMediaUnavailable, d.mediaDir)
	}
	return files[d.intn(len(files))], nil
}
