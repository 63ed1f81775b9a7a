// Package itemlist parses the identifier lists a job starts from.
package itemlist

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Load reads archive identifiers from path. Files ending in .csv are
// parsed as delimited text with a header row naming an "identifier"
// column; anything else is plain text, one identifier per line, with
// blank lines and # comments ignored. Identifiers are case-sensitive;
// duplicates are dropped keeping the first occurrence.
func Load(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open items file: %w", err)
	}
	defer f.Close()

	var ids []string
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		ids, err = readCSV(f)
	} else {
		ids, err = readLines(f)
	}
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("items file %s contains no identifiers", path)
	}
	return dedupe(ids), nil
}

func readLines(r io.Reader) ([]string, error) {
	var ids []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			ids = append(ids, line)
		}
	}
	return ids, scanner.Err()
}

func readCSV(r io.Reader) ([]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	col := -1
	for i, name := range header {
		if strings.EqualFold(strings.TrimSpace(name), "identifier") {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, fmt.Errorf("csv header has no identifier column")
	}

	var ids []string
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv row: %w", err)
		}
		if col >= len(row) {
			continue
		}
		if id := strings.TrimSpace(row[col]); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
