// Package resolver turns item identifiers into durable file rows. It
// walks pending items one at a time, fetches each manifest, applies the
// user's filters, and persists the surviving files as pending downloads.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/grab-ia/grabia/internal/archive"
	"github.com/grab-ia/grabia/internal/backoff"
	"github.com/grab-ia/grabia/internal/store"
	"github.com/grab-ia/grabia/internal/utils"
)

// maxAttempts bounds transient manifest retries per item.
const maxAttempts = 4

// clutterSuffixes are archive bookkeeping files nobody asks for; they
// are dropped before any user filter runs.
var clutterSuffixes = []string{
	"_meta.xml",
	"_meta.sqlite",
	"_files.xml",
	"_thumb.jpg",
	"_itemimage.jpg",
}

// metadataMarkers select the textual/metadata subset for --metadata-only.
var metadataMarkers = []string{".xml", ".json", ".txt", "readme"}

// Filter decides which manifest entries become downloads. Filters chain:
// an entry must pass every configured stage to survive.
type Filter struct {
	MetadataOnly bool
	Extensions   []string // lowercase, no leading dot
	NameRegex    *regexp.Regexp
}

// NewFilter normalizes the extension whitelist and compiles the regex.
func NewFilter(metadataOnly bool, extensions []string, nameRegex string) (*Filter, error) {
	f := &Filter{MetadataOnly: metadataOnly}
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(ext, ".")))
		if ext != "" {
			f.Extensions = append(f.Extensions, ext)
		}
	}
	if nameRegex != "" {
		re, err := regexp.Compile(nameRegex)
		if err != nil {
			return nil, fmt.Errorf("invalid filter pattern: %w", err)
		}
		f.NameRegex = re
	}
	return f, nil
}

// Keep reports whether a remote file name passes every stage.
func (f *Filter) Keep(name string) bool {
	if name == "" {
		return false
	}
	lower := strings.ToLower(name)

	for _, suffix := range clutterSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return false
		}
	}

	if f.MetadataOnly {
		found := false
		for _, marker := range metadataMarkers {
			if strings.Contains(lower, marker) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(f.Extensions) > 0 {
		found := false
		for _, ext := range f.Extensions {
			if strings.HasSuffix(lower, "."+ext) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if f.NameRegex != nil && !f.NameRegex.MatchString(name) {
		return false
	}
	return true
}

// Resolver enumerates item manifests sequentially.
type Resolver struct {
	client *archive.Client
	st     *store.Store
	coord  *backoff.Coordinator
	filter *Filter
	logger *slog.Logger

	// test seam for retry pacing
	sleep func(context.Context, time.Duration) error
}

// New builds a resolver.
func New(client *archive.Client, st *store.Store, coord *backoff.Coordinator, filter *Filter, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		client: client,
		st:     st,
		coord:  coord,
		filter: filter,
		logger: logger,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run walks every item, invoking enqueue with the pending file keys of
// each as it lands. Items resolved in earlier runs only requeue their
// leftover pending files, and those go out before any manifest fetch so
// workers have something to chew on immediately. Unresolved and failed
// items get a manifest fetch; refreshResolved forces one for resolved
// items too. A manifest failure marks the item failed and enumeration
// continues; Run's own error is reserved for cancellation and store
// failures.
func (r *Resolver) Run(ctx context.Context, refreshResolved bool, enqueue func([]store.FileKey)) error {
	items, err := r.st.ItemsByStatus(store.ItemPending, store.ItemFailed, store.ItemResolved)
	if err != nil {
		return err
	}

	for _, item := range items {
		if item.Status == store.ItemResolved && !refreshResolved {
			if err := r.requeue(item.ID, enqueue); err != nil {
				return err
			}
		}
	}

	for _, item := range items {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if item.Status == store.ItemResolved && !refreshResolved {
			continue
		}
		if err := r.resolveOne(ctx, item.ID, enqueue); err != nil {
			return err
		}
	}
	return nil
}

// requeue pushes the leftover pending files of an already-resolved item
// without touching the network.
func (r *Resolver) requeue(itemID string, enqueue func([]store.FileKey)) error {
	keys, err := r.st.PendingKeys(itemID)
	if err != nil {
		return err
	}
	if len(keys) > 0 && enqueue != nil {
		r.logger.Debug("requeued leftovers", "item", itemID, "files", len(keys))
		enqueue(keys)
	}
	return nil
}

func (r *Resolver) resolveOne(ctx context.Context, itemID string, enqueue func([]store.FileKey)) error {
	if err := r.st.MarkItem(itemID, store.ItemResolving, 0, ""); err != nil {
		return err
	}

	manifest, err := r.fetchManifest(ctx, itemID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.logger.Error("item failed", "item", itemID, "error", err)
		return r.st.MarkItem(itemID, store.ItemFailed, 0, err.Error())
	}

	files := r.selectFiles(itemID, manifest)
	if len(files) == 0 && len(manifest.Files) == 0 {
		r.logger.Error("item failed", "item", itemID, "error", "manifest lists no files")
		return r.st.MarkItem(itemID, store.ItemFailed, 0, "manifest lists no files")
	}

	if err := r.st.UpsertFiles(files); err != nil {
		return err
	}
	keys, err := r.st.PendingKeys(itemID)
	if err != nil {
		return err
	}
	if err := r.st.MarkItem(itemID, store.ItemResolved, len(files), ""); err != nil {
		return err
	}

	r.logger.Info("item resolved", "item", itemID,
		"manifest", len(manifest.Files), "kept", len(files), "queued", len(keys))
	if len(keys) > 0 && enqueue != nil {
		enqueue(keys)
	}
	return nil
}

// fetchManifest retries transient failures with exponential delay.
// Throttling trips the shared coordinator and retries after the quiet
// period without consuming an attempt.
func (r *Resolver) fetchManifest(ctx context.Context, itemID string) (*archive.Manifest, error) {
	attempts := 0
	for {
		if err := r.coord.Wait(ctx); err != nil {
			return nil, err
		}

		manifest, err := r.client.Metadata(ctx, itemID)
		if err == nil {
			return manifest, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var se *archive.StatusError
		if errors.As(err, &se) {
			switch {
			case se.StatusCode == http.StatusTooManyRequests:
				r.coord.TripAfter(backoff.Throttled, se.RetryAfter)
				continue
			case se.StatusCode == http.StatusServiceUnavailable:
				r.coord.TripAfter(backoff.Overloaded, se.RetryAfter)
				continue
			case se.StatusCode >= 400 && se.StatusCode < 500:
				return nil, err
			}
		}

		attempts++
		if attempts >= maxAttempts {
			return nil, fmt.Errorf("manifest fetch gave up after %d attempts: %w", attempts, err)
		}
		r.logger.Warn("manifest fetch retry", "item", itemID, "attempt", attempts, "error", err)
		if err := r.sleep(ctx, backoff.Delay(attempts)); err != nil {
			return nil, err
		}
	}
}

// selectFiles applies the filter chain and maps survivors to file rows.
func (r *Resolver) selectFiles(itemID string, manifest *archive.Manifest) []store.File {
	files := make([]store.File, 0, len(manifest.Files))
	for _, mf := range manifest.Files {
		if !r.filter.Keep(mf.Name) {
			continue
		}
		files = append(files, store.File{
			ItemID:    itemID,
			Name:      mf.Name,
			LocalPath: itemID + "/" + utils.SanitizeFilename(mf.Name),
			Size:      int64(mf.Size),
			MD5:       strings.ToLower(mf.MD5),
			MTime:     int64(mf.MTime),
		})
	}
	return files
}
