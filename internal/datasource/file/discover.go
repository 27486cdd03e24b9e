package file

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Discover walks root recursively and returns the absolute paths of regular
// files whose extension equals ext (case-insensitive, e.g. ".json"), sorted
// lexicographically. A missing or empty root yields an empty slice.
func Discover(root, ext string) ([]string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", root, err)
	}
	info, err := os.Stat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("discover %s: not a directory", abs)
	}

	out := []string{}
	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ext) {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", abs, err)
	}
	sort.Strings(out)
	return out, nil
}
