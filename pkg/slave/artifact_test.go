package slave

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestPackageArtifactsZipsMatchingFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "surefire-reports", "TEST-a.xml"), []byte("<xml/>"))

	data, err := packageArtifacts(dir, []string{"**/surefire-reports/*.xml"})
	if err != nil {
		t.Fatalf("packageArtifacts: %v", err)
	}
	if data == nil {
		t.Fatalf("expected a non-nil archive")
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("zip.NewReader: %v", err)
	}
	if len(zr.File) != 1 || zr.File[0].Name != "surefire-reports/TEST-a.xml" {
		t.Fatalf("unexpected archive contents: %+v", zr.File)
	}
}

func TestPackageArtifactsNoMatchesReturnsNil(t *testing.T) {
	dir := t.TempDir()
	data, err := packageArtifacts(dir, []string{"**/*.xml"})
	if err != nil {
		t.Fatalf("packageArtifacts: %v", err)
	}
	if data != nil {
		t.Fatalf("expected no archive when nothing matches")
	}
}

func TestPackageArtifactsDiscardsTraversalEscapes(t *testing.T) {
	root := t.TempDir()
	leaked := filepath.Join(root, "leaked")
	outside := filepath.Join(root, "outside")
	writeFile(t, filepath.Join(outside, "secret.txt"), []byte("sensitive"))
	if err := os.MkdirAll(leaked, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(leaked, "escape.txt")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	data, err := packageArtifacts(leaked, []string{"*.txt"})
	if err != nil {
		t.Fatalf("packageArtifacts: %v", err)
	}
	if data != nil {
		t.Fatalf("expected the traversal-escaping symlink to be discarded, got an archive")
	}
}

func TestPackageArtifactsTooBigProducesPlaceholderEntry(t *testing.T) {
	dir := t.TempDir()
	big := make([]byte, maxArchiveBytes+1)
	writeFile(t, filepath.Join(dir, "big.bin"), big)

	data, err := packageArtifacts(dir, []string{"*.bin"})
	if err != nil {
		t.Fatalf("packageArtifacts: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("zip.NewReader: %v", err)
	}
	if len(zr.File) != 1 || zr.File[0].Name != "_ARCHIVE_TOO_BIG_" {
		t.Fatalf("expected a single _ARCHIVE_TOO_BIG_ entry, got %+v", zr.File)
	}
}
