package evidence

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// BuildOptions controls enumeration and hashing.
type BuildOptions struct {
	// Exclude holds glob patterns for files that are expected to vary
	// run-to-run and are not evidence (timestamped logs, report outputs,
	// the provenance metadata itself). Patterns without a slash match the
	// base name; patterns ending in "/**" match a whole subtree.
	Exclude []string

	// Workers bounds concurrent file hashing. Zero means GOMAXPROCS.
	Workers int
}

func (o BuildOptions) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// Build enumerates all regular files under dir, hashes them concurrently, and
// returns a manifest sorted by relative path. Symlinks and directories are
// skipped. The result is deterministic for a given tree and exclusion set.
func Build(ctx context.Context, dir string, opts BuildOptions) (Manifest, error) {
	paths, err := enumerate(dir, opts.Exclude)
	if err != nil {
		return Manifest{}, err
	}

	hashes, sizes, err := hashAll(ctx, dir, paths, opts.workers())
	if err != nil {
		return Manifest{}, err
	}

	files := make([]Entry, 0, len(paths))
	for _, rel := range paths {
		files = append(files, Entry{
			Path:      rel,
			SHA256:    hashes[rel],
			SizeBytes: sizes[rel],
			Kind:      ClassifyKind(rel),
			Role:      ClassifyRole(rel),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	return Manifest{
		Schema:         ManifestSchemaV1,
		Files:          files,
		ManifestSHA256: ComputeManifestSHA256(files),
	}, nil
}

// Verify recomputes hashes for every declared path and classifies each
// outcome. Files present in dir but absent from the manifest are EXTRA.
// Findings are report content, not errors: the full list is always
// enumerated, sorted by path.
func Verify(ctx context.Context, m Manifest, dir string, opts BuildOptions) ([]Outcome, error) {
	outcomes := make([]Outcome, 0, len(m.Files))

	declared := make([]string, 0, len(m.Files))
	for _, f := range m.Files {
		declared = append(declared, f.Path)
	}
	hashes, _, hashErrs, err := hashAllLenient(ctx, dir, declared, opts.workers())
	if err != nil {
		return nil, err
	}

	for _, f := range m.Files {
		if cause, failed := hashErrs[f.Path]; failed {
			// An unreadable declared file is MISSING with an attached
			// cause, not a crash.
			outcomes = append(outcomes, Outcome{
				Path:     f.Path,
				Status:   StatusMissing,
				Kind:     f.Kind,
				Expected: f.SHA256,
				Cause:    cause,
			})
			continue
		}
		actual := hashes[f.Path]
		status := StatusOK
		if actual != f.SHA256 {
			status = StatusHashMismatch
		}
		outcomes = append(outcomes, Outcome{
			Path:     f.Path,
			Status:   status,
			Kind:     f.Kind,
			Expected: f.SHA256,
			Actual:   actual,
		})
	}

	live, err := enumerate(dir, opts.Exclude)
	if err != nil {
		return nil, err
	}
	declaredSet := make(map[string]struct{}, len(m.Files))
	for _, f := range m.Files {
		declaredSet[f.Path] = struct{}{}
	}
	for _, rel := range live {
		if _, ok := declaredSet[rel]; ok {
			continue
		}
		outcomes = append(outcomes, Outcome{
			Path:   rel,
			Status: StatusExtra,
			Kind:   ClassifyKind(rel),
		})
	}

	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].Path < outcomes[j].Path })
	return outcomes, nil
}

func enumerate(dir string, exclude []string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("run directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("run directory: %s is not a directory", dir)
	}

	var paths []string
	root := os.DirFS(dir)
	err = fs.WalkDir(root, ".", func(rel string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if excluded(rel, exclude) {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			// Symlinks and other special files are not evidence.
			return nil
		}
		if excluded(rel, exclude) {
			return nil
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	sort.Strings(paths)
	return paths, nil
}

func excluded(rel string, patterns []string) bool {
	rel = ToPosix(rel)
	base := path.Base(rel)
	for _, p := range patterns {
		if sub, ok := cutSubtree(p); ok {
			if rel == sub || hasPathPrefix(rel, sub) {
				return true
			}
			continue
		}
		if containsSlash(p) {
			if ok, _ := path.Match(p, rel); ok {
				return true
			}
			continue
		}
		if ok, _ := path.Match(p, base); ok {
			return true
		}
	}
	return false
}

func cutSubtree(pattern string) (string, bool) {
	const suffix = "/**"
	if len(pattern) > len(suffix) && pattern[len(pattern)-len(suffix):] == suffix {
		return pattern[:len(pattern)-len(suffix)], true
	}
	return "", false
}

func containsSlash(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return true
		}
	}
	return false
}

func hasPathPrefix(rel, prefix string) bool {
	return len(rel) > len(prefix) && rel[:len(prefix)] == prefix && rel[len(prefix)] == '/'
}

// hashAll digests every path; any failure aborts the whole build.
func hashAll(ctx context.Context, dir string, paths []string, workers int) (map[string]string, map[string]int64, error) {
	hashes, sizes, hashErrs, err := hashAllLenient(ctx, dir, paths, workers)
	if err != nil {
		return nil, nil, err
	}
	for rel, cause := range hashErrs {
		return nil, nil, fmt.Errorf("hash %s: %s", rel, cause)
	}
	return hashes, sizes, nil
}

// hashAllLenient digests every path concurrently, recording per-path failures
// instead of aborting. Only context cancellation aborts early, so an
// interrupted run fails closed rather than producing a partial result.
func hashAllLenient(ctx context.Context, dir string, paths []string, workers int) (map[string]string, map[string]int64, map[string]string, error) {
	var (
		mu       sync.Mutex
		hashes   = make(map[string]string, len(paths))
		sizes    = make(map[string]int64, len(paths))
		hashErrs = make(map[string]string)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, rel := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			abs := filepath.Join(dir, filepath.FromSlash(rel))
			sum, err := SHA256File(abs)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				hashErrs[rel] = err.Error()
				return nil
			}
			hashes[rel] = sum
			if info, statErr := os.Stat(abs); statErr == nil {
				sizes[rel] = info.Size()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, nil, err
	}
	return hashes, sizes, hashErrs, nil
}
