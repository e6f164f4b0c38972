package triagewalk

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	log "github.com/sirupsen/logrus"
)

// BuildCatalog lists the regular files directly inside dir, sorted by name.
// Subdirectories and special files are skipped. Symlinks are followed, so a
// link to a regular file is included. An unreadable directory is an error;
// no partial catalog is returned.
func BuildCatalog(dir string, filter func(path string) error) ([]*Unit, error) {

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("couldn't read testcase directory %s: %w", dir, err)
	}

	units := make([]*Unit, 0, len(entries))
	for _, de := range entries {

		path := filepath.Join(dir, de.Name())
		mode := de.Type()
		if mode&os.ModeSymlink != 0 {
			fi, err := os.Stat(path)
			if err != nil {
				// dangling link
				log.WithError(err).WithField("path", path).Debug("Skipping link")
				continue
			}
			mode = fi.Mode().Type()
		}
		if !mode.IsRegular() {
			continue
		}

		if filter != nil && filter(path) != nil {
			continue
		}

		units = append(units, &Unit{
			Name:     de.Name(),
			Path:     path,
			Analysis: make(map[string]any),
		})
	}
	return units, nil
}

var errNoMatch = fmt.Errorf("no match")

// MatchFilter returns a filter accepting files whose base name matches the
// pattern. An empty pattern accepts everything.
func MatchFilter(pattern string) (func(path string) error, error) {
	if pattern == "" {
		return func(string) error { return nil }, nil
	}
	rx, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return func(path string) error {
		if rx.MatchString(filepath.Base(path)) {
			return nil
		}
		return errNoMatch
	}, nil
}
