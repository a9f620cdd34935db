// Package pagination provides opaque keyset cursors over records with
// monotonic uint64 IDs, listed newest first.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

const cursorPrefix = "tx:"

// Encode returns an opaque cursor that resumes listing after id.
func Encode(id uint64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + strconv.FormatUint(id, 10)))
}

// Decode parses a cursor into the ID to list before. Empty input decodes
// to 0, meaning the first page.
func Decode(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor")
	}
	rest, ok := strings.CutPrefix(string(raw), cursorPrefix)
	if !ok {
		return 0, fmt.Errorf("invalid cursor")
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid cursor")
	}
	return id, nil
}

// ComputePage takes items fetched with limit+1 and the requested limit.
// It returns the trimmed page, the cursor for the next page, and whether
// more items remain.
func ComputePage[T any](items []T, limit int, idOf func(T) uint64) ([]T, string, bool) {
	if limit <= 0 || len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	return items, Encode(idOf(items[len(items)-1])), true
}
