// Package testutil provides a fake archive.org for tests: a metadata
// endpoint, a download endpoint with byte-range support, and knobs for
// the failure modes the engine must survive.
package testutil

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FakeFile is one downloadable file on the fake archive.
type FakeFile struct {
	Name     string
	Data     []byte
	MD5      string // "" computes the real digest; set to inject corruption
	MTime    int64  // 0 omits mtime from the manifest
	OmitSize bool   // manifest reports no size
	OmitMD5  bool   // manifest publishes no digest
}

// Server wraps httptest.Server with archive.org semantics.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	items       map[string][]FakeFile
	statusQueue map[string][]int
	truncateAt  map[string]int
	hits        map[string][]time.Time
	ignoreRange bool
	authHeader  string
	retryAfter  time.Duration
	latency     time.Duration
}

// Option configures the fake archive.
type Option func(*Server)

// WithItem registers an item and its files.
func WithItem(id string, files ...FakeFile) Option {
	return func(s *Server) { s.items[id] = files }
}

// WithIgnoreRanges makes the download endpoint answer every request
// with 200 and the full body, as mirrors without range support do.
func WithIgnoreRanges() Option {
	return func(s *Server) { s.ignoreRange = true }
}

// WithAuth requires the archive's LOW authorization header.
func WithAuth(access, secret string) Option {
	return func(s *Server) { s.authHeader = "LOW " + access + ":" + secret }
}

// WithStatusSequence queues status codes for a path; each request pops
// one until the queue drains, then normal serving resumes.
func WithStatusSequence(path string, codes ...int) Option {
	return func(s *Server) { s.statusQueue[path] = append(s.statusQueue[path], codes...) }
}

// WithRetryAfter attaches a Retry-After header to queued 429/503 responses.
func WithRetryAfter(d time.Duration) Option {
	return func(s *Server) { s.retryAfter = d }
}

// WithTruncate cuts the connection after writing n body bytes on the
// next request to path. One-shot; later requests serve normally.
func WithTruncate(path string, n int) Option {
	return func(s *Server) { s.truncateAt[path] = n }
}

// WithLatency delays every response.
func WithLatency(d time.Duration) Option {
	return func(s *Server) { s.latency = d }
}

// NewServer starts the fake archive. Callers must Close it.
func NewServer(opts ...Option) *Server {
	s := &Server{
		items:       make(map[string][]FakeFile),
		statusQueue: make(map[string][]int),
		truncateAt:  make(map[string]int),
		hits:        make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// MetadataPath returns the request path for an item's manifest.
func MetadataPath(itemID string) string { return "/metadata/" + itemID }

// DownloadPath returns the request path for a file.
func DownloadPath(itemID, name string) string { return "/download/" + itemID + "/" + name }

// Hits returns the number of requests seen for a path.
func (s *Server) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hits[path])
}

// HitTimes returns the arrival times of requests for a path.
func (s *Server) HitTimes(path string) []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.hits[path]...)
}

// TotalHits returns the number of requests seen across all paths.
func (s *Server) TotalHits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, times := range s.hits {
		total += len(times)
	}
	return total
}

// AddStatusSequence queues status codes after the server has started.
func (s *Server) AddStatusSequence(path string, codes ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusQueue[path] = append(s.statusQueue[path], codes...)
}

// MD5Hex returns the hex digest the fake archive publishes for data.
func MD5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	s.mu.Lock()
	s.hits[path] = append(s.hits[path], time.Now())
	var forced int
	if queue := s.statusQueue[path]; len(queue) > 0 {
		forced = queue[0]
		s.statusQueue[path] = queue[1:]
	}
	truncate, doTruncate := s.truncateAt[path]
	if doTruncate {
		delete(s.truncateAt, path)
	}
	latency := s.latency
	s.mu.Unlock()

	if latency > 0 {
		time.Sleep(latency)
	}

	if forced != 0 {
		if s.retryAfter > 0 && (forced == http.StatusTooManyRequests || forced == http.StatusServiceUnavailable) {
			w.Header().Set("Retry-After", strconv.Itoa(int(s.retryAfter.Seconds())))
		}
		w.WriteHeader(forced)
		return
	}

	if s.authHeader != "" && r.Header.Get("Authorization") != s.authHeader {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch {
	case strings.HasPrefix(path, "/metadata/"):
		s.serveMetadata(w, strings.TrimPrefix(path, "/metadata/"))
	case strings.HasPrefix(path, "/download/"):
		s.serveFile(w, r, strings.TrimPrefix(path, "/download/"), truncate, doTruncate)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) serveMetadata(w http.ResponseWriter, itemID string) {
	s.mu.Lock()
	files, ok := s.items[itemID]
	s.mu.Unlock()

	// The real metadata API answers unknown items with an empty object.
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
		return
	}

	entries := make([]map[string]any, 0, len(files))
	for _, f := range files {
		entry := map[string]any{"name": f.Name}
		if !f.OmitSize {
			entry["size"] = len(f.Data)
		}
		if !f.OmitMD5 {
			md5sum := f.MD5
			if md5sum == "" {
				md5sum = MD5Hex(f.Data)
			}
			entry["md5"] = md5sum
		}
		if f.MTime != 0 {
			// The real API is string-typed here.
			entry["mtime"] = strconv.FormatInt(f.MTime, 10)
		}
		entries = append(entries, entry)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"files": entries})
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, rest string, truncate int, doTruncate bool) {
	itemID, name, ok := strings.Cut(rest, "/")
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	s.mu.Lock()
	var file *FakeFile
	for i := range s.items[itemID] {
		if s.items[itemID][i].Name == name {
			file = &s.items[itemID][i]
			break
		}
	}
	s.mu.Unlock()

	if file == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	size := int64(len(file.Data))
	body := file.Data
	status := http.StatusOK

	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" && !s.ignoreRange {
		from, to, ok := parseRange(rangeHeader, size)
		if !ok {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", from, to, size))
		body = file.Data[from : to+1]
		status = http.StatusPartialContent
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)

	if doTruncate && truncate < len(body) {
		w.Write(body[:truncate])
		if f, canFlush := w.(http.Flusher); canFlush {
			f.Flush()
		}
		panic(http.ErrAbortHandler)
	}
	w.Write(body)
}

// parseRange handles the single-range forms the fetcher emits:
// "bytes=a-b" and "bytes=a-".
func parseRange(header string, size int64) (from, to int64, ok bool) {
	spec, found := strings.CutPrefix(header, "bytes=")
	if !found {
		return 0, 0, false
	}
	fromStr, toStr, found := strings.Cut(spec, "-")
	if !found {
		return 0, 0, false
	}

	from, err := strconv.ParseInt(fromStr, 10, 64)
	if err != nil || from >= size {
		return 0, 0, false
	}
	to = size - 1
	if toStr != "" {
		to, err = strconv.ParseInt(toStr, 10, 64)
		if err != nil || to < from {
			return 0, 0, false
		}
		if to >= size {
			to = size - 1
		}
	}
	return from, to, true
}
