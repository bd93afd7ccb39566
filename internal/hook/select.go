package hook

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// ErrNoAudioFiles is returned when no eligible file exists to choose from.
var ErrNoAudioFiles = errors.New("no audio files available")

var audioExtensions = map[string]struct{}{
	".mp3":  {},
	".wav":  {},
	".flac": {},
	".m4a":  {},
	".ogg":  {},
	".aac":  {},
}

// IsAudioFile reports whether name has an eligible audio extension.
func IsAudioFile(name string) bool {
	_, ok := audioExtensions[strings.ToLower(filepath.Ext(name))]
	return ok
}

// ListAudioFiles returns the sorted base names of eligible files in dir.
func ListAudioFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list audio files in %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if !e.Type().IsRegular() || !IsAudioFile(e.Name()) {
			continue
		}
		files = append(files, e.Name())
	}
	slices.Sort(files)
	return files, nil
}

// SelectFile draws one file uniformly. With a seed the draw depends only on
// the seed and the set of files, not their order.
func SelectFile(files []string, seed *int64) (string, error) {
	if len(files) == 0 {
		return "", ErrNoAudioFiles
	}
	sorted := slices.Clone(files)
	slices.Sort(sorted)
	if seed == nil {
		return sorted[rand.IntN(len(sorted))], nil
	}
	rng := rand.New(rand.NewPCG(uint64(*seed), 0))
	return sorted[rng.IntN(len(sorted))], nil
}
