package backend

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// primaryPatterns name the file that usually holds the engine when no
// extension matched.
var primaryPatterns = []string{"model", "end2end", "engine", "weights"}

// ResolvePrimary picks the engine file out of paths. Directories are
// expanded one level. Files are matched against exts in priority order
// first, then against well known base names.
func ResolvePrimary(paths []string, exts []string) (string, error) {
	files, err := expandPaths(paths)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", fmt.Errorf("%w: no files in %v", ErrNoArtifactFile, paths)
	}

	if file := findPrimaryFile(files, exts); file != "" {
		return file, nil
	}
	if len(files) == 1 && len(exts) == 0 {
		return files[0], nil
	}

	return "", fmt.Errorf("%w: none of %v matches %v", ErrNoArtifactFile, files, exts)
}

func findPrimaryFile(files []string, exts []string) string {
	// First pass: priority extensions
	for _, ext := range exts {
		for _, file := range files {
			if strings.HasSuffix(strings.ToLower(file), strings.ToLower(ext)) {
				return file
			}
		}
	}

	if len(exts) > 0 {
		return ""
	}

	// Second pass: base name patterns
	for _, pattern := range primaryPatterns {
		for _, file := range files {
			if strings.Contains(strings.ToLower(filepath.Base(file)), pattern) {
				return file
			}
		}
	}

	return ""
}

func expandPaths(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoArtifactFile, err)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}

		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, fmt.Errorf("read artifact dir: %w", err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				files = append(files, filepath.Join(p, e.Name()))
			}
		}
	}
	return files, nil
}
