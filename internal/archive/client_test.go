package archive

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/grab-ia/grabia/internal/auth"
)

func TestDecodeManifest(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		files int
		size  int64
		mtime int64
	}{
		{
			name:  "numeric fields",
			body:  `{"files":[{"name":"a.mp3","size":1024,"md5":"aa","mtime":1700000000}]}`,
			files: 1, size: 1024, mtime: 1700000000,
		},
		{
			name:  "string fields",
			body:  `{"files":[{"name":"a.mp3","size":"2048","md5":"bb","mtime":"1700000001"}]}`,
			files: 1, size: 2048, mtime: 1700000001,
		},
		{
			name:  "missing and junk fields",
			body:  `{"files":[{"name":"a.mp3","size":"","mtime":"not-a-time"}]}`,
			files: 1, size: 0, mtime: 0,
		},
		{
			name:  "empty manifest",
			body:  `{}`,
			files: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := DecodeManifest(strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("DecodeManifest failed: %v", err)
			}
			if len(m.Files) != tt.files {
				t.Fatalf("got %d files, want %d", len(m.Files), tt.files)
			}
			if tt.files == 0 {
				return
			}
			if int64(m.Files[0].Size) != tt.size {
				t.Errorf("size = %d, want %d", m.Files[0].Size, tt.size)
			}
			if int64(m.Files[0].MTime) != tt.mtime {
				t.Errorf("mtime = %d, want %d", m.Files[0].MTime, tt.mtime)
			}
		})
	}
}

func TestDecodeManifestInvalid(t *testing.T) {
	if _, err := DecodeManifest(strings.NewReader(`{"files": [truncated`)); err == nil {
		t.Error("expected error for truncated manifest")
	}
}

func TestRetryAfter(t *testing.T) {
	tests := []struct {
		name   string
		header string
		min    time.Duration
		max    time.Duration
	}{
		{"absent", "", 0, 0},
		{"seconds", "42", 42 * time.Second, 42 * time.Second},
		{"negative seconds", "-5", 0, 0},
		{"http date", time.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat), 25 * time.Second, 31 * time.Second},
		{"past date", time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat), 0, 0},
		{"garbage", "soon", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{Header: http.Header{}}
			if tt.header != "" {
				resp.Header.Set("Retry-After", tt.header)
			}
			got := RetryAfter(resp)
			if got < tt.min || got > tt.max {
				t.Errorf("RetryAfter = %v, want within [%v, %v]", got, tt.min, tt.max)
			}
		})
	}
}

func TestMetadataRequest(t *testing.T) {
	var gotPath, gotUA, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUA = r.Header.Get("User-Agent")
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"files":[{"name":"track.mp3","size":10}]}`))
	}))
	defer srv.Close()

	c := NewClient(&auth.Credentials{AccessKey: "ak", SecretKey: "sk"}, 4)
	c.BaseURL = srv.URL

	m, err := c.Metadata(context.Background(), "some item")
	if err != nil {
		t.Fatalf("Metadata failed: %v", err)
	}
	if len(m.Files) != 1 || m.Files[0].Name != "track.mp3" {
		t.Errorf("unexpected manifest: %+v", m)
	}
	if gotPath != "/metadata/some%20item" && gotPath != "/metadata/some item" {
		t.Errorf("path = %q", gotPath)
	}
	if !strings.HasPrefix(gotUA, "grabia/") {
		t.Errorf("user agent = %q", gotUA)
	}
	if gotAuth != "LOW ak:sk" {
		t.Errorf("authorization = %q, want LOW ak:sk", gotAuth)
	}
}

func TestMetadataStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(nil, 4)
	c.BaseURL = srv.URL

	_, err := c.Metadata(context.Background(), "x")
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", se.StatusCode)
	}
	if se.RetryAfter != 7*time.Second {
		t.Errorf("retry after = %v, want 7s", se.RetryAfter)
	}
}

func TestFileRequestRanges(t *testing.T) {
	tests := []struct {
		name      string
		from, to  int64
		wantRange string
	}{
		{"no range from zero", 0, 99, ""},
		{"bounded range", 100, 499, "bytes=100-499"},
		{"open ended", 100, -1, "bytes=100-"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotRange string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotRange = r.Header.Get("Range")
				w.WriteHeader(http.StatusOK)
			}))
			defer srv.Close()

			c := NewClient(nil, 4)
			c.BaseURL = srv.URL

			resp, err := c.FileRequest(context.Background(), "item", "dir/file name.mp3", tt.from, tt.to)
			if err != nil {
				t.Fatalf("FileRequest failed: %v", err)
			}
			resp.Body.Close()

			if gotRange != tt.wantRange {
				t.Errorf("Range header = %q, want %q", gotRange, tt.wantRange)
			}
		})
	}
}

func TestFileURLEscaping(t *testing.T) {
	c := NewClient(nil, 4)
	c.BaseURL = "https://example.org"

	got := c.FileURL("my-item", "disc 1/01 intro.mp3")
	want := "https://example.org/download/my-item/disc%201/01%20intro.mp3"
	if got != want {
		t.Errorf("FileURL = %q, want %q", got, want)
	}
}
