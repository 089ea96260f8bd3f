package linker

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLinkSuccess(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src", "movie.mkv")
	dst := filepath.Join(dir, "target", "Movies", "Movie (2020).mkv")
	writeFile(t, src, "video bytes")

	if got := Link(src, dst); got != Success {
		t.Fatalf("Link = %v, want %v", got, Success)
	}

	srcInfo, err := os.Stat(src)
	if err != nil {
		t.Fatal(err)
	}
	dstInfo, err := os.Stat(dst)
	if err != nil {
		t.Fatalf("destination missing after success: %v", err)
	}
	srcSys := srcInfo.Sys().(*syscall.Stat_t)
	dstSys := dstInfo.Sys().(*syscall.Stat_t)
	if srcSys.Ino != dstSys.Ino {
		t.Fatalf("not a hardlink: inode %d != %d", srcSys.Ino, dstSys.Ino)
	}
}

func TestLinkConflict(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "movie.mkv")
	dst := filepath.Join(dir, "existing.mkv")
	writeFile(t, src, "a")
	writeFile(t, dst, "already here")

	if got := Link(src, dst); got != FailedConflict {
		t.Fatalf("Link = %v, want %v", got, FailedConflict)
	}
	// The existing file is untouched.
	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "already here" {
		t.Fatalf("conflict overwrote destination: %q", data)
	}
}

func TestLinkNoSource(t *testing.T) {
	dir := t.TempDir()

	if got := Link(filepath.Join(dir, "missing.mkv"), filepath.Join(dir, "out.mkv")); got != FailedNoSource {
		t.Fatalf("missing source: Link = %v, want %v", got, FailedNoSource)
	}

	// A directory is not a regular file.
	subdir := filepath.Join(dir, "folder")
	if err := os.Mkdir(subdir, 0o755); err != nil {
		t.Fatal(err)
	}
	if got := Link(subdir, filepath.Join(dir, "out.mkv")); got != FailedNoSource {
		t.Fatalf("directory source: Link = %v, want %v", got, FailedNoSource)
	}
}

func TestLinkCreatesParents(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "movie.mkv")
	dst := filepath.Join(dir, "a", "b", "c", "movie.mkv")
	writeFile(t, src, "x")

	if got := Link(src, dst); got != Success {
		t.Fatalf("Link = %v, want %v", got, Success)
	}
	if _, err := os.Stat(dst); err != nil {
		t.Fatal(err)
	}
}

func TestLinkNoPartialStateOnFailure(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "deep", "out.mkv")

	if got := Link(filepath.Join(dir, "missing.mkv"), dst); got != FailedNoSource {
		t.Fatalf("Link = %v, want %v", got, FailedNoSource)
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Fatalf("file exists at destination after failure")
	}
}
