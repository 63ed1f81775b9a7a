package auth

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func writeAuthFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "auth.env")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing auth file: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		wantAccess string
		wantSecret string
		wantErr    bool
	}{
		{
			name:       "standard keys",
			content:    "S3_ACCESS_KEY=abc123\nS3_SECRET_KEY=shh456\n",
			wantAccess: "abc123",
			wantSecret: "shh456",
		},
		{
			name:       "shorthand keys",
			content:    "access=a\nsecret=s\n",
			wantAccess: "a",
			wantSecret: "s",
		},
		{
			name:       "comments blanks and spacing tolerated",
			content:    "# archive.org keys\n\n  S3_ACCESS_KEY =  padded  \ns3_secret_key=low\n",
			wantAccess: "padded",
			wantSecret: "low",
		},
		{
			name:    "missing secret",
			content: "S3_ACCESS_KEY=abc\n",
			wantErr: true,
		},
		{
			name:    "no keys at all",
			content: "# nothing\nnot a pair\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			creds, err := Load(writeAuthFile(t, tt.content))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", creds)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if creds.AccessKey != tt.wantAccess || creds.SecretKey != tt.wantSecret {
				t.Errorf("got %q/%q, want %q/%q",
					creds.AccessKey, creds.SecretKey, tt.wantAccess, tt.wantSecret)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.env")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestApply(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://archive.org/metadata/x", nil)

	var nilCreds *Credentials
	nilCreds.Apply(req)
	if got := req.Header.Get("Authorization"); got != "" {
		t.Errorf("nil credentials set Authorization = %q", got)
	}

	(&Credentials{AccessKey: "ak", SecretKey: "sk"}).Apply(req)
	if got, want := req.Header.Get("Authorization"), "LOW ak:sk"; got != want {
		t.Errorf("Authorization = %q, want %q", got, want)
	}
}
