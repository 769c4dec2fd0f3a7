package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fathomhq/finchat/internal/metrics"
)

// MovedFile records where an output file was relocated from and to
// (spec §4.D "Output relocation").
type MovedFile struct {
	From string `json:"from"`
	To   string `json:"to"`
}

const relocationSkew = 5 * time.Second

var defaultSourceDirs = []string{"/app"}

// relocateOutput scans the source directories in defaultSourceDirs
// (the list is fixed, not read from config) for files with a
// relocatable suffix whose mtime is no earlier than relocationSkew
// before runStart, copies images to <output_root>/citations and tables to
// <output_root>/exports, and returns the from/to mapping. Directory
// scans run concurrently via errgroup (SPEC_FULL.md DOMAIN STACK
// golang.org/x/sync row).
func (r *Runner) relocateOutput(runStart time.Time) ([]MovedFile, error) {
	sourceDirs := defaultSourceDirs
	cutoff := runStart.Add(-relocationSkew)

	citationsDir := filepath.Join(r.cfg.OutputRoot, "citations")
	exportsDir := filepath.Join(r.cfg.OutputRoot, "exports")
	if err := os.MkdirAll(citationsDir, 0o750); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(exportsDir, 0o750); err != nil {
		return nil, err
	}

	type found struct {
		path string
		dest string
	}
	resultsCh := make(chan found, 256)

	g := new(errgroup.Group)
	for _, dir := range sourceDirs {
		dir := dir
		g.Go(func() error {
			return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
				if err != nil {
					return nil // best-effort scan; skip unreadable entries
				}
				if info.IsDir() {
					return nil
				}
				if strings.HasPrefix(path, r.cfg.OutputRoot) {
					return nil
				}
				dest, ok := relocatableExts[strings.ToLower(filepath.Ext(path))]
				if !ok {
					return nil
				}
				if info.ModTime().Before(cutoff) {
					return nil
				}
				resultsCh <- found{path: path, dest: dest}
				return nil
			})
		})
	}

	go func() {
		_ = g.Wait()
		close(resultsCh)
	}()

	var moved []MovedFile
	for f := range resultsCh {
		destDir := citationsDir
		if f.dest == "exports" {
			destDir = exportsDir
		}
		to, err := copyWithCollisionHandling(f.path, destDir)
		if err != nil {
			continue
		}
		moved = append(moved, MovedFile{From: f.path, To: to})
		metrics.RunnerRelocatedFiles.WithLabelValues(f.dest).Inc()
	}
	return moved, nil
}

// copyWithCollisionHandling copies src into destDir, appending a
// numeric suffix to the filename if a file of the same name but
// different size already exists there (spec §4.D).
func copyWithCollisionHandling(src, destDir string) (string, error) {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return "", err
	}

	base := filepath.Base(src)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	dest := filepath.Join(destDir, base)

	for n := 1; ; n++ {
		if existing, err := os.Stat(dest); err == nil {
			if existing.Size() == srcInfo.Size() {
				return dest, nil // identical file already relocated
			}
			dest = filepath.Join(destDir, fmt.Sprintf("%s_%d%s", stem, n, ext))
			continue
		}
		break
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(dest, data, 0o640); err != nil {
		return "", err
	}
	return dest, nil
}

// rewriteResultPaths rewrites every occurrence of from with to across
// the text fields of result that §4.D calls out (response, text,
// content, message).
func rewriteResultPaths(result map[string]any, from, to string) {
	for _, key := range []string{"response", "text", "content", "message"} {
		if s, ok := result[key].(string); ok {
			result[key] = strings.ReplaceAll(s, from, to)
		}
	}
}
