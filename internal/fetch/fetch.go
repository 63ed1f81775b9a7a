// Package fetch downloads one claimed file at a time: resumable ranged
// requests, token-bucket pacing, a streaming MD5 that survives resume,
// coarse checkpointing, and atomic finalization. All durable effects go
// through the store; the partial on disk plus the store row are enough
// to continue after a crash at any point.
package fetch

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/grab-ia/grabia/internal/archive"
	"github.com/grab-ia/grabia/internal/backoff"
	"github.com/grab-ia/grabia/internal/governor"
	"github.com/grab-ia/grabia/internal/store"
)

// PartSuffix marks in-progress downloads on disk.
const PartSuffix = ".part"

const (
	chunkSize       = 128 << 10
	checkpointBytes = 8 << 20
	checkpointEvery = 2 * time.Second

	defaultMaxAttempts = 5
	defaultIdleTimeout = 30 * time.Second

	// A digest mismatch gets exactly one clean retry; a second mismatch
	// means the published digest itself disagrees with the content.
	integrityCeiling = 2
)

// Result is the terminal outcome of one claimed file. Status pending
// means the transfer was cancelled and the claim went back to the queue.
type Result struct {
	Status     string
	Kind       Kind
	HTTPStatus int
	Err        error
}

// Fatal reports whether the outcome must abort the whole job.
func (r Result) Fatal() bool { return r.Kind == KindFatal }

// Fetcher downloads claimed files under one output root.
type Fetcher struct {
	client *archive.Client
	st     *store.Store
	gov    *governor.Governor
	coord  *backoff.Coordinator
	root   string
	logger *slog.Logger

	// Sync trusts verified files already on disk and releases them as
	// skipped without network traffic.
	Sync bool
	// HasCreds grants 401/403 one extra attempt before going terminal.
	HasCreds bool
	// MaxAttempts bounds retryable failures per file.
	MaxAttempts int
	// IdleTimeout cancels a request when the body stalls.
	IdleTimeout time.Duration

	counter *atomic.Int64 // session byte counter shared with metrics

	sleep func(context.Context, time.Duration) error
}

// New builds a fetcher. counter may be nil when no metrics are wired.
func New(client *archive.Client, st *store.Store, gov *governor.Governor, coord *backoff.Coordinator, root string, counter *atomic.Int64, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		client:      client,
		st:          st,
		gov:         gov,
		coord:       coord,
		root:        root,
		logger:      logger,
		MaxAttempts: defaultMaxAttempts,
		IdleTimeout: defaultIdleTimeout,
		counter:     counter,
		sleep:       sleepCtx,
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

// Download runs the full protocol for one claimed file and releases the
// claim with the terminal outcome. The returned Result feeds the
// scheduler's scaling policy.
func (f *Fetcher) Download(ctx context.Context, file *store.File) Result {
	t := &transfer{
		f:        f,
		file:     file,
		key:      file.Key(),
		attempts: file.Attempts,
		hasher:   md5.New(),
	}
	t.finalPath = filepath.Join(f.root, filepath.FromSlash(file.LocalPath))
	t.partPath = t.finalPath + PartSuffix

	res := t.run(ctx)

	out := store.Outcome{
		Status:     res.Status,
		BytesDone:  t.written,
		Attempts:   t.attempts,
		ErrorKind:  string(res.Kind),
		HTTPStatus: res.HTTPStatus,
	}
	if res.Status == store.StatusDone || res.Status == store.StatusSkipped {
		out.ErrorKind = ""
		out.HTTPStatus = 0
	}
	if err := f.st.Release(t.key, out); err != nil {
		return Result{Status: store.StatusFailed, Kind: KindFatal, Err: err}
	}

	switch res.Status {
	case store.StatusDone:
		f.logger.Info("file done", "file", t.key.String(), "bytes", t.written)
	case store.StatusSkipped:
		f.logger.Info("file skipped, already on disk", "file", t.key.String())
	case store.StatusFailed:
		f.logger.Error("file failed", "file", t.key.String(),
			"kind", string(res.Kind), "status", res.HTTPStatus, "error", res.Err)
	}
	return res
}

// transfer is the per-file mutable state of one Download call.
type transfer struct {
	f    *Fetcher
	file *store.File
	key  store.FileKey

	finalPath string
	partPath  string

	hasher         hash.Hash
	written        int64 // bytes in the partial
	attempts       int
	integrityFails int
	authRetried    bool

	sinceCheckpoint int64
	lastCheckpoint  time.Time
}

func (t *transfer) run(ctx context.Context) Result {
	if err := os.MkdirAll(filepath.Dir(t.finalPath), 0o755); err != nil {
		return t.diskResult(err)
	}

	if t.f.Sync {
		if res := t.preflight(); res != nil {
			return *res
		}
	}
	if res := t.probe(ctx); res != nil {
		return *res
	}

	for {
		if err := t.f.coord.Wait(ctx); err != nil {
			return t.cancelResult()
		}
		if res := t.attempt(ctx); res != nil {
			return *res
		}
	}
}

// preflight checks the final object already on disk: digest match when
// published, size match when known, bare existence otherwise.
func (t *transfer) preflight() *Result {
	fi, err := os.Stat(t.finalPath)
	if err != nil {
		return nil
	}

	verified := false
	switch {
	case t.file.MD5 != "":
		sum, herr := md5File(t.finalPath)
		verified = herr == nil && sum == t.file.MD5
	case t.file.Size > 0:
		verified = fi.Size() == t.file.Size
	default:
		verified = true
	}
	if !verified {
		t.f.logger.Warn("existing file fails verification, re-downloading", "file", t.key.String())
		return nil
	}
	return &Result{Status: store.StatusSkipped}
}

// probe picks up an existing partial: seed the digest from its content,
// and when it already covers the remote size, finalize without touching
// the network.
func (t *transfer) probe(ctx context.Context) *Result {
	fi, err := os.Stat(t.partPath)
	if err != nil || fi.Size() == 0 {
		return nil
	}

	if err := t.seedDigest(); err != nil {
		// Unreadable partial: start over rather than fail the file.
		t.f.logger.Warn("partial unreadable, discarding", "file", t.key.String(), "error", err)
		os.Remove(t.partPath)
		t.resetProgress()
		return nil
	}
	t.written = fi.Size()

	if t.file.Size > 0 && t.written >= t.file.Size {
		return t.finalize(ctx)
	}
	return nil
}

func (t *transfer) seedDigest() error {
	in, err := os.Open(t.partPath)
	if err != nil {
		return err
	}
	defer in.Close()

	t.hasher = md5.New()
	if _, err := io.Copy(t.hasher, in); err != nil {
		return err
	}
	return nil
}

// attempt performs one network round. A nil result means loop again;
// the backoff wait at the top of the loop covers any trip set here.
func (t *transfer) attempt(ctx context.Context) *Result {
	end := int64(-1)
	if t.file.Size > 0 {
		end = t.file.Size - 1
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	resp, err := t.f.client.FileRequest(reqCtx, t.file.ItemID, t.file.Name, t.written, end)
	if err != nil {
		if ctx.Err() != nil {
			res := t.cancelResult()
			return &res
		}
		return t.transientFailure(ctx, KindTransient, 0, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if t.written > 0 {
			// Server ignored the range: the body is the whole file.
			t.f.logger.Warn("range ignored, restarting from zero", "file", t.key.String())
			if res := t.discardPartial(); res != nil {
				return res
			}
		}
	case http.StatusPartialContent:
		header := resp.Header.Get("Content-Range")
		start, ok := contentRangeStart(header)
		if !ok || start != t.written {
			return t.transientFailure(ctx, KindTransient, resp.StatusCode,
				fmt.Errorf("content range %q does not resume at byte %d", header, t.written))
		}
	case http.StatusUnauthorized, http.StatusForbidden:
		if t.f.HasCreds && !t.authRetried {
			t.authRetried = true
			t.f.logger.Warn("authorization rejected, retrying once", "file", t.key.String(), "status", resp.StatusCode)
			return nil
		}
		return t.failResult(KindAuth, resp.StatusCode, errors.New("authorization rejected"))
	case http.StatusNotFound:
		return t.failResult(KindMissing, resp.StatusCode, errors.New("not present on the archive"))
	case http.StatusRequestedRangeNotSatisfiable:
		// Partial is longer than the remote object; it cannot be ours.
		t.f.logger.Warn("partial exceeds remote size, discarding", "file", t.key.String())
		if res := t.discardPartial(); res != nil {
			return res
		}
		return t.transientFailure(ctx, KindTransient, resp.StatusCode, errors.New("range not satisfiable"))
	case http.StatusTooManyRequests:
		return t.throttleFailure(backoff.Throttled, KindThrottled, resp)
	case http.StatusServiceUnavailable:
		return t.throttleFailure(backoff.Overloaded, KindOverloaded, resp)
	default:
		if resp.StatusCode >= 500 {
			return t.transientFailure(ctx, KindTransient, resp.StatusCode,
				fmt.Errorf("server error %d", resp.StatusCode))
		}
		return t.failResult(KindTransient, resp.StatusCode,
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	return t.stream(ctx, resp, cancel)
}

// stream drains the body into the partial, charging the governor and
// feeding the digest per chunk, with coarse checkpoints and an
// inactivity watchdog on the request.
func (t *transfer) stream(ctx context.Context, resp *http.Response, cancelReq context.CancelFunc) *Result {
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if t.written == 0 {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	out, err := os.OpenFile(t.partPath, flags, 0o644)
	if err != nil {
		return t.diskResultPtr(err)
	}
	defer out.Close()

	watchdog := time.AfterFunc(t.f.IdleTimeout, cancelReq)
	defer watchdog.Stop()

	t.lastCheckpoint = time.Now()
	buf := make([]byte, chunkSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			watchdog.Stop()
			if err := t.f.gov.Consume(ctx, n); err != nil {
				t.checkpointNow()
				res := t.cancelResult()
				return &res
			}
			if _, werr := out.Write(buf[:n]); werr != nil {
				return t.diskResultPtr(werr)
			}
			watchdog.Reset(t.f.IdleTimeout)

			t.hasher.Write(buf[:n])
			t.written += int64(n)
			t.sinceCheckpoint += int64(n)
			if t.f.counter != nil {
				t.f.counter.Add(int64(n))
			}
			if t.sinceCheckpoint >= checkpointBytes || time.Since(t.lastCheckpoint) >= checkpointEvery {
				if err := t.checkpoint(); err != nil {
					return t.fatalResult(err)
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if ctx.Err() != nil {
				t.checkpointNow()
				res := t.cancelResult()
				return &res
			}
			// Keep the partial; the next attempt resumes from it.
			t.checkpointNow()
			return t.transientFailure(ctx, KindTransient, resp.StatusCode, rerr)
		}
	}

	if err := out.Sync(); err != nil {
		return t.diskResultPtr(err)
	}
	if err := out.Close(); err != nil {
		return t.diskResultPtr(err)
	}
	return t.finalize(ctx)
}

// finalize verifies size and digest, then promotes the partial with one
// atomic rename. Mismatches discard the partial and consume an
// integrity attempt.
func (t *transfer) finalize(ctx context.Context) *Result {
	if t.file.Size > 0 && t.written != t.file.Size {
		return t.integrityFailure(ctx,
			fmt.Errorf("size mismatch: %d on disk, %d expected", t.written, t.file.Size))
	}
	if t.file.MD5 != "" {
		sum := hex.EncodeToString(t.hasher.Sum(nil))
		if sum != t.file.MD5 {
			return t.integrityFailure(ctx,
				fmt.Errorf("digest mismatch: %s on disk, %s expected", sum, t.file.MD5))
		}
	}

	if err := os.Rename(t.partPath, t.finalPath); err != nil {
		return t.diskResultPtr(err)
	}
	if t.file.MTime > 0 {
		mt := time.Unix(t.file.MTime, 0)
		os.Chtimes(t.finalPath, mt, mt)
	}
	return &Result{Status: store.StatusDone}
}

// transientFailure books one retryable attempt: persist it, honor the
// ceiling, sleep the exponential delay.
func (t *transfer) transientFailure(ctx context.Context, kind Kind, httpStatus int, cause error) *Result {
	t.attempts++
	if err := t.f.st.RecordAttempt(t.key, t.attempts, string(kind), httpStatus); err != nil {
		return t.fatalResult(err)
	}
	if t.attempts >= t.f.MaxAttempts {
		return t.failResult(kind, httpStatus, cause)
	}

	t.f.logger.Warn("attempt failed", "file", t.key.String(),
		"attempt", t.attempts, "error", cause)
	if err := t.f.sleep(ctx, backoff.Delay(t.attempts)); err != nil {
		res := t.cancelResult()
		return &res
	}
	return nil
}

// throttleFailure books one 429/503 attempt against the ceiling and
// trips the shared coordinator. No exponential sleep here: the wait at
// the top of the loop already holds the file through the quiet period.
func (t *transfer) throttleFailure(reason backoff.Reason, kind Kind, resp *http.Response) *Result {
	t.f.coord.TripAfter(reason, archive.RetryAfter(resp))

	t.attempts++
	if err := t.f.st.RecordAttempt(t.key, t.attempts, string(kind), resp.StatusCode); err != nil {
		return t.fatalResult(err)
	}
	if t.attempts >= t.f.MaxAttempts {
		return t.failResult(kind, resp.StatusCode,
			fmt.Errorf("server still %s after %d attempts", kind, t.attempts))
	}
	t.f.logger.Warn("attempt rejected by server", "file", t.key.String(),
		"attempt", t.attempts, "status", resp.StatusCode)
	return nil
}

// integrityFailure discards the partial and retries once immediately;
// the content will not change, so a second mismatch is terminal.
func (t *transfer) integrityFailure(ctx context.Context, cause error) *Result {
	t.integrityFails++
	t.attempts++

	os.Remove(t.partPath)
	t.resetProgress()
	if err := t.f.st.RecordAttempt(t.key, t.attempts, string(KindIntegrity), 0); err != nil {
		return t.fatalResult(err)
	}
	if err := t.checkpoint(); err != nil {
		return t.fatalResult(err)
	}

	if t.integrityFails >= integrityCeiling || t.attempts >= t.f.MaxAttempts {
		return t.failResult(KindIntegrity, 0, cause)
	}
	t.f.logger.Warn("verification failed, retrying from zero", "file", t.key.String(), "error", cause)
	return nil
}

// discardPartial truncates progress before a from-zero restart (range
// ignored, 416).
func (t *transfer) discardPartial() *Result {
	if err := os.Remove(t.partPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return t.diskResultPtr(err)
	}
	t.resetProgress()
	if err := t.checkpoint(); err != nil {
		return t.fatalResult(err)
	}
	return nil
}

func (t *transfer) resetProgress() {
	t.written = 0
	t.sinceCheckpoint = 0
	t.hasher = md5.New()
}

func (t *transfer) checkpoint() error {
	t.sinceCheckpoint = 0
	t.lastCheckpoint = time.Now()
	if err := t.f.st.Checkpoint(t.key, t.written); err != nil {
		return fmt.Errorf("checkpoint failed: %w", err)
	}
	return nil
}

// checkpointNow persists progress on paths that already carry an error.
func (t *transfer) checkpointNow() {
	if err := t.f.st.Checkpoint(t.key, t.written); err != nil {
		t.f.logger.Error("checkpoint failed", "file", t.key.String(), "error", err)
	}
}

func (t *transfer) cancelResult() Result {
	return Result{Status: store.StatusPending}
}

func (t *transfer) failResult(kind Kind, httpStatus int, cause error) *Result {
	return &Result{
		Status:     store.StatusFailed,
		Kind:       kind,
		HTTPStatus: httpStatus,
		Err:        &Classified{Kind: kind, HTTPStatus: httpStatus, Err: cause},
	}
}

func (t *transfer) fatalResult(err error) *Result {
	return &Result{Status: store.StatusFailed, Kind: KindFatal, Err: err}
}

func (t *transfer) diskResult(err error) Result {
	return *t.diskResultPtr(err)
}

func (t *transfer) diskResultPtr(err error) *Result {
	kind := classifyDisk(err)
	return &Result{Status: store.StatusFailed, Kind: kind, Err: err}
}

// contentRangeStart extracts the first byte offset from a Content-Range
// header like "bytes 50-99/100".
func contentRangeStart(header string) (int64, bool) {
	rest, ok := strings.CutPrefix(header, "bytes ")
	if !ok {
		return 0, false
	}
	dash := strings.IndexByte(rest, '-')
	if dash <= 0 {
		return 0, false
	}
	start, err := strconv.ParseInt(rest[:dash], 10, 64)
	if err != nil || start < 0 {
		return 0, false
	}
	return start, true
}

// md5File hashes a whole file on disk.
func md5File(path string) (string, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer in.Close()

	h := md5.New()
	if _, err := io.Copy(h, in); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
