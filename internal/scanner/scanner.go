// Package scanner walks the source tree on a timer and records newly
// discovered video files as PENDING rows.
package scanner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/clearmedia/clearmedia/internal/config"
	"github.com/clearmedia/clearmedia/internal/metrics"
	"github.com/clearmedia/clearmedia/internal/store"
)

// Scanner discovers files. It reads its configuration fresh every tick so a
// hot reload takes effect without restart.
type Scanner struct {
	store   *store.Store
	cfg     func() config.Settings
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func New(st *store.Store, cfg func() config.Settings, m *metrics.Metrics, log zerolog.Logger) *Scanner {
	return &Scanner{
		store:   st,
		cfg:     cfg,
		metrics: m,
		log:     log.With().Str("component", "scanner").Logger(),
	}
}

// Run scans immediately and then once per SCAN_INTERVAL_SECONDS until the
// context is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	s.log.Info().Msg("scanner started")
	for {
		n, err := s.ScanOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error().Err(err).Msg("scan tick failed")
		} else if n > 0 {
			s.log.Info().Int("new_files", n).Msg("scan tick complete")
		}

		interval := time.Duration(s.cfg().ScanIntervalSeconds) * time.Second
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scanner stopped")
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// walkState carries per-tick context through the recursive walk.
type walkState struct {
	cfg        config.Settings
	exts       map[string]struct{}
	minBytes   int64
	targetAbs  string
	visited    map[[2]uint64]struct{} // dir identity, guards symlink cycles
	discovered int
}

// ScanOnce walks SOURCE_DIR once and returns how many files were inserted.
// Per-file errors are logged and skipped; only a cancelled context or a
// missing source root aborts the tick.
func (s *Scanner) ScanOnce(ctx context.Context) (int, error) {
	cfg := s.cfg()

	fi, err := os.Stat(cfg.SourceDir)
	if err != nil || !fi.IsDir() {
		s.log.Warn().Str("dir", cfg.SourceDir).Msg("source directory missing, skipping tick")
		return 0, nil
	}

	st := &walkState{
		cfg:       cfg,
		exts:      cfg.ExtensionSet(),
		minBytes:  int64(cfg.MinFileSizeMB) * 1024 * 1024,
		targetAbs: resolvePath(cfg.TargetDir),
		visited:   make(map[[2]uint64]struct{}),
	}
	if err := s.walk(ctx, cfg.SourceDir, st); err != nil {
		return st.discovered, err
	}
	return st.discovered, nil
}

func (s *Scanner) walk(ctx context.Context, dir string, st *walkState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if st.cfg.ScanExcludeTargetDir && underTarget(resolvePath(dir), st.targetAbs) {
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		s.log.Error().Str("dir", dir).Err(err).Msg("cannot read directory")
		s.metrics.ScanErrors.Inc()
		return nil
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := filepath.Join(dir, entry.Name())

		if entry.Type()&os.ModeSymlink != 0 {
			target, err := os.Stat(path)
			if err != nil {
				s.log.Warn().Str("path", path).Err(err).Msg("broken symlink skipped")
				continue
			}
			if target.IsDir() {
				if !st.cfg.ScanFollowSymlinks {
					continue
				}
				if !st.markVisited(target) {
					continue
				}
				if err := s.walk(ctx, path, st); err != nil {
					return err
				}
				continue
			}
			s.consider(ctx, path, target, st)
			continue
		}

		if entry.IsDir() {
			if err := s.walk(ctx, path, st); err != nil {
				return err
			}
			continue
		}

		info, err := entry.Info()
		if err != nil {
			s.log.Error().Str("path", path).Err(err).Msg("cannot stat file")
			s.metrics.ScanErrors.Inc()
			continue
		}
		s.consider(ctx, path, info, st)
	}
	return nil
}

// consider applies the extension, size, and dedup filters to one regular
// file and inserts it when new.
func (s *Scanner) consider(ctx context.Context, path string, info os.FileInfo, st *walkState) {
	if !info.Mode().IsRegular() {
		return
	}
	if _, ok := st.exts[strings.ToLower(filepath.Ext(path))]; !ok {
		return
	}
	if st.cfg.MinFileSizeMB > 0 && info.Size() < st.minBytes {
		return
	}

	sys, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		s.log.Error().Str("path", path).Msg("no stat info available")
		s.metrics.ScanErrors.Inc()
		return
	}
	inode, device := sys.Ino, uint64(sys.Dev)

	exists, err := s.store.ExistsByInode(ctx, inode, device)
	if err != nil {
		s.log.Error().Str("path", path).Err(err).Msg("dedup lookup failed")
		s.metrics.ScanErrors.Inc()
		return
	}
	if exists {
		return
	}

	mf := &store.MediaFile{
		Inode:            inode,
		DeviceID:         device,
		OriginalFilepath: path,
		OriginalFilename: filepath.Base(path),
		FileSize:         info.Size(),
	}
	if err := s.store.Insert(ctx, mf); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return
		}
		s.log.Error().Str("path", path).Err(err).Msg("insert failed")
		s.metrics.ScanErrors.Inc()
		return
	}
	st.discovered++
	s.metrics.FilesScanned.Inc()
	s.log.Info().Str("file", mf.OriginalFilename).Int64("id", mf.ID).Msg("new media file")
}

func (st *walkState) markVisited(info os.FileInfo) bool {
	sys, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return true
	}
	key := [2]uint64{uint64(sys.Dev), sys.Ino}
	if _, seen := st.visited[key]; seen {
		return false
	}
	st.visited[key] = struct{}{}
	return true
}

// resolvePath resolves symlinks where possible and falls back to the
// absolute form.
func resolvePath(p string) string {
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		p = resolved
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

// underTarget reports whether dir sits at or below target.
func underTarget(dir, target string) bool {
	if target == "" {
		return false
	}
	return dir == target || strings.HasPrefix(dir, target+string(filepath.Separator))
}
