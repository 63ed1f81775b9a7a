// Package auth loads archive.org S3-style credentials.
package auth

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"strings"
)

// Credentials is an archive.org S3-like key pair. The archive accepts
// them on any request as "Authorization: LOW <access>:<secret>".
type Credentials struct {
	AccessKey string
	SecretKey string
}

// Load reads credentials from a key=value file. Recognized keys are
// S3_ACCESS_KEY and S3_SECRET_KEY (case-insensitive), with access/secret
// accepted as shorthand. Blank lines and # comments are ignored.
func Load(path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open auth file: %w", err)
	}
	defer f.Close()

	kv := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		kv[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(val)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read auth file: %w", err)
	}

	access := kv["s3_access_key"]
	if access == "" {
		access = kv["access"]
	}
	secret := kv["s3_secret_key"]
	if secret == "" {
		secret = kv["secret"]
	}
	if access == "" || secret == "" {
		return nil, fmt.Errorf("auth file %s is missing access/secret keys", path)
	}
	return &Credentials{AccessKey: access, SecretKey: secret}, nil
}

// Apply attaches the authorization header to req. Safe on a nil receiver
// so callers can thread optional credentials without checking.
func (c *Credentials) Apply(req *http.Request) {
	if c == nil {
		return
	}
	req.Header.Set("Authorization", fmt.Sprintf("LOW %s:%s", c.AccessKey, c.SecretKey))
}
