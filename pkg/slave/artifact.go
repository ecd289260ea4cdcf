package slave

import (
	"archive/zip"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// maxArchiveBytes is the 200 MiB cap from spec.md §4.4.2.
const maxArchiveBytes = 200 * 1024 * 1024

// packageArtifacts expands globs against leakedDir, discards any match that
// escapes leakedDir (path-traversal guard), and zips the survivors. It
// returns nil, nil if no glob matched anything. Glob expansion uses
// bmatcuk/doublestar for "**" support, since path/filepath.Glob has none
// and no example repo in the corpus performs recursive glob expansion
// (the one dependency genuinely new to this module; see DESIGN.md).
func packageArtifacts(leakedDir string, globs []string) ([]byte, error) {
	canonicalRoot, err := filepath.EvalSymlinks(leakedDir)
	if err != nil {
		return nil, fmt.Errorf("slave: resolve leaked dir: %w", err)
	}

	seen := map[string]struct{}{}
	var matches []string
	var totalSize int64

	fsys := os.DirFS(canonicalRoot)
	for _, pattern := range globs {
		found, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return nil, fmt.Errorf("slave: bad artifact glob %q: %w", pattern, err)
		}
		for _, rel := range found {
			abs := filepath.Join(canonicalRoot, rel)
			canonical, err := filepath.EvalSymlinks(abs)
			if err != nil {
				continue // vanished between glob and stat; skip
			}
			if !withinRoot(canonicalRoot, canonical) {
				continue // path-traversal guard
			}
			if _, dup := seen[canonical]; dup {
				continue
			}
			info, err := os.Stat(canonical)
			if err != nil || info.IsDir() {
				continue
			}
			seen[canonical] = struct{}{}
			matches = append(matches, canonical)
			totalSize += info.Size()
		}
	}

	if len(matches) == 0 {
		return nil, nil
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	if totalSize > maxArchiveBytes {
		w, err := zw.Create("_ARCHIVE_TOO_BIG_")
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(w, "artifacts totalled %d bytes, exceeding the %d byte cap; archive suppressed",
			totalSize, maxArchiveBytes)
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	for _, abs := range matches {
		rel, err := filepath.Rel(canonicalRoot, abs)
		if err != nil {
			continue
		}
		name := strings.TrimLeft(filepath.ToSlash(rel), "/")
		header := &zip.FileHeader{Name: name, Method: zip.Deflate}
		w, err := zw.CreateHeader(header)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return nil, fmt.Errorf("slave: read artifact %s: %w", abs, err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// withinRoot reports whether candidate is root itself or nested under it.
func withinRoot(root, candidate string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
