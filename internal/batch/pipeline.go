// Package batch fingerprints local files, allocates identifiers for them,
// and pushes the content to the object store. Files are processed by a
// fixed-size worker pool with per-file error isolation: one unreadable file
// never aborts the run.
package batch

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mintkey/mintkey/internal/alloc"
	"github.com/mintkey/mintkey/internal/store"
	"github.com/mintkey/mintkey/pkg/bytesize"
)

// ObjectStore is the upload surface the pipeline needs; upload.Client
// satisfies it in production.
type ObjectStore interface {
	Upload(ctx context.Context, key string, body io.Reader, contentType string) error
	StorageKey(identifier, extension string) string
	PublicURL(key string) string
}

// Result is the outcome for one input file.
type Result struct {
	Path       string
	Identifier string
	PublicURL  string
	Outcome    alloc.Outcome
	Size       int64
	Err        error
}

// Summary aggregates a pipeline run.
type Summary struct {
	Assigned   int
	DedupHits  int
	Failed     int
	TotalBytes int64
}

// Pipeline drives files through fingerprint, allocate, and upload.
type Pipeline struct {
	allocator  *alloc.Allocator
	store      *store.Store
	objects    ObjectStore // nil skips the upload stage
	workers    int
	extensions map[string]struct{} // empty accepts everything
}

// New builds a Pipeline. objects may be nil to allocate without uploading.
func New(allocator *alloc.Allocator, st *store.Store, objects ObjectStore, workers int, extensions []string) *Pipeline {
	if workers < 1 {
		workers = 1
	}
	exts := make(map[string]struct{}, len(extensions))
	for _, e := range extensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts[e] = struct{}{}
	}
	return &Pipeline{
		allocator:  allocator,
		store:      st,
		objects:    objects,
		workers:    workers,
		extensions: exts,
	}
}

// Expand resolves the given paths to the individual files to process.
// Directories are walked recursively; files with unaccepted extensions are
// skipped silently.
func (p *Pipeline) Expand(paths []string) ([]string, error) {
	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		if !info.IsDir() {
			if p.accepts(path) {
				files = append(files, path)
			}
			continue
		}
		err = filepath.WalkDir(path, func(sub string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && p.accepts(sub) {
				files = append(files, sub)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", path, err)
		}
	}
	sort.Strings(files)
	return files, nil
}

func (p *Pipeline) accepts(path string) bool {
	if len(p.extensions) == 0 {
		return true
	}
	_, ok := p.extensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Process runs every file through the pipeline and returns per-file results
// in input order plus a run summary.
func (p *Pipeline) Process(ctx context.Context, files []string) ([]Result, Summary) {
	results := make([]Result, len(files))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < p.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = p.processFile(ctx, files[i])
			}
		}()
	}
dispatch:
	for i := range files {
		select {
		case jobs <- i:
		case <-ctx.Done():
			// Undispatched files report the cancellation.
			for j := i; j < len(files); j++ {
				results[j] = Result{Path: files[j], Err: ctx.Err()}
			}
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	var summary Summary
	for _, r := range results {
		switch {
		case r.Err != nil:
			summary.Failed++
		case r.Outcome == alloc.OutcomeDedupHit:
			summary.DedupHits++
			summary.TotalBytes += r.Size
		default:
			summary.Assigned++
			summary.TotalBytes += r.Size
		}
	}
	log.Info().
		Int("assigned", summary.Assigned).
		Int("dedup_hits", summary.DedupHits).
		Int("failed", summary.Failed).
		Str("total_size", bytesize.Format(summary.TotalBytes)).
		Msg("batch run complete")
	return results, summary
}

func (p *Pipeline) processFile(ctx context.Context, path string) Result {
	res := Result{Path: path}

	fingerprint, size, err := FingerprintFile(path)
	if err != nil {
		res.Err = err
		return res
	}
	res.Size = size

	ext := strings.ToLower(filepath.Ext(path))
	rec, outcome, err := p.allocator.Allocate(ctx, alloc.Request{
		Fingerprint:      fingerprint,
		OriginalFilename: filepath.Base(path),
		FileExtension:    ext,
		FileSize:         size,
		MediaType:        mediaType(ext),
	})
	if err != nil {
		res.Err = fmt.Errorf("allocate %s: %w", path, err)
		return res
	}
	res.Identifier = rec.Identifier
	res.Outcome = outcome
	res.PublicURL = rec.PublicURL

	if p.objects == nil {
		return res
	}

	key := p.objects.StorageKey(rec.Identifier, rec.FileExtension)
	f, err := os.Open(path)
	if err != nil {
		res.Err = fmt.Errorf("open %s: %w", path, err)
		return res
	}
	defer func() { _ = f.Close() }()

	if err := p.objects.Upload(ctx, key, f, rec.MediaType); err != nil {
		res.Err = fmt.Errorf("upload %s: %w", path, err)
		return res
	}
	publicURL := p.objects.PublicURL(key)
	if err := p.store.UpdateUploadMetadata(ctx, fingerprint, key, publicURL); err != nil {
		res.Err = fmt.Errorf("record upload %s: %w", path, err)
		return res
	}
	res.PublicURL = publicURL

	log.Debug().
		Str("path", path).
		Str("identifier", rec.Identifier).
		Str("size", bytesize.Format(size)).
		Str("outcome", string(outcome)).
		Msg("file processed")
	return res
}

// FingerprintFile streams path through SHA-512 and returns the hex digest
// and the file size.
func FingerprintFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	h := sha512.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("fingerprint %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

func mediaType(ext string) string {
	if mt := mime.TypeByExtension(ext); mt != "" {
		return mt
	}
	return "application/octet-stream"
}
