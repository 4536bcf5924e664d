package dagbag

import (
	"bufio"
	"cmp"
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/dagucloud/dagsched/internal/cmn/logger"
	"github.com/dagucloud/dagsched/internal/cmn/logger/tag"
	"github.com/dagucloud/dagsched/internal/metrics"
)

// IgnoreFile lists paths to skip in its directory and below. Each line
// is a regular expression matched against the path relative to that
// directory, or a doublestar glob when prefixed with "glob:".
const IgnoreFile = ".dagignore"

// CollectDAGs processes every candidate file under root, or root itself
// when it is a file. A failing file never stops the pass; it is recorded
// as an import error instead.
func (b *DagBag) CollectDAGs(ctx context.Context, root string, onlyIfUpdated bool) error {
	if root == "" {
		root = b.folder
	}
	start := time.Now()

	files, err := b.listFiles(ctx, root)
	if err != nil {
		return err
	}

	stats := make([]FileLoadStat, 0, len(files))
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		fileStart := time.Now()
		found, _ := b.ProcessFile(ctx, path, onlyIfUpdated)

		stat := FileLoadStat{
			File:     strings.TrimPrefix(path, root),
			Duration: time.Since(fileStart),
			DAGCount: len(found),
		}
		for _, dag := range found {
			stat.TaskCount += len(dag.Tasks())
			stat.DAGIDs = append(stat.DAGIDs, dag.ID)
		}
		stats = append(stats, stat)
	}
	slices.SortStableFunc(stats, func(a, c FileLoadStat) int {
		return cmp.Compare(c.Duration, a.Duration)
	})

	elapsed := time.Since(start)
	b.mu.Lock()
	b.stats = stats
	size, importErrors := len(b.dags), len(b.importErrors)
	b.mu.Unlock()

	metrics.CollectDAGsSeconds.Set(elapsed.Seconds())
	metrics.DagBagSize.Set(float64(size))
	metrics.DagBagImportErrors.Set(float64(importErrors))

	logger.Info(ctx, "Collected DAGs",
		tag.Dir(root),
		tag.Count(size),
		tag.Duration(elapsed),
		slog.Int("import-errors", importErrors),
	)
	return nil
}

// listFiles walks root honoring ignore files and keeps files that a
// registered loader understands.
func (b *DagBag) listFiles(ctx context.Context, root string) ([]string, error) {
	fi, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return []string{root}, nil
	}

	rules := map[string][]ignoreRule{}
	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logger.Warn(ctx, "Failed to walk DAG folder", tag.File(path), tag.Error(err))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		dir := filepath.Dir(path)
		if d.IsDir() {
			var inherited []ignoreRule
			if path != root {
				inherited = rules[dir]
				if ignored(inherited, path) {
					return filepath.SkipDir
				}
			}
			own, err := readIgnoreFile(ctx, path)
			if err != nil {
				return err
			}
			rules[path] = append(slices.Clip(inherited), own...)
			return nil
		}

		if d.Name() == IgnoreFile || ignored(rules[dir], path) {
			return nil
		}
		if _, ok := b.loaders[strings.ToLower(filepath.Ext(path))]; ok {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

type ignoreRule struct {
	base string
	glob string
	re   *regexp.Regexp
}

func (r ignoreRule) match(path string) bool {
	rel, err := filepath.Rel(r.base, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	if r.re != nil {
		return r.re.MatchString(rel)
	}
	ok, _ := doublestar.Match(r.glob, rel)
	return ok
}

func ignored(rules []ignoreRule, path string) bool {
	for _, r := range rules {
		if r.match(path) {
			return true
		}
	}
	return false
}

// readIgnoreFile parses dir's ignore file. Invalid patterns are logged
// and skipped.
func readIgnoreFile(ctx context.Context, dir string) ([]ignoreRule, error) {
	path := filepath.Join(dir, IgnoreFile)
	f, err := os.Open(path) //nolint:gosec
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var rules []ignoreRule
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if glob, ok := strings.CutPrefix(line, "glob:"); ok {
			glob = strings.TrimSpace(glob)
			if !doublestar.ValidatePattern(glob) {
				logger.Warn(ctx, "Invalid glob in ignore file", tag.File(path), tag.String("pattern", glob))
				continue
			}
			rules = append(rules, ignoreRule{base: dir, glob: glob})
			continue
		}
		re, err := regexp.Compile(line)
		if err != nil {
			logger.Warn(ctx, "Invalid pattern in ignore file", tag.File(path), tag.String("pattern", line), tag.Error(err))
			continue
		}
		rules = append(rules, ignoreRule{base: dir, re: re})
	}
	return rules, scanner.Err()
}
