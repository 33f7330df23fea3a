package db

import (
	"fmt"
	"strconv"
	"strings"
)

// EncodeIDs serialises target IDs into the delimited form stored in source_ids.
func EncodeIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// DecodeIDs parses a source_ids column value.
func DecodeIDs(s string) ([]int64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse id %q: %w", p, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
