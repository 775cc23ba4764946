// Package common provides shared HTTP utility functions for API handlers.
package common

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"unicode"

	"github.com/go-chi/chi/v5"
)

// ChunkIDParam is the route parameter carrying a chunk identifier
const ChunkIDParam = "id"

// ChunkID returns the decoded chunk identifier from the route. Identifiers
// may contain escaped slashes but no whitespace.
func ChunkID(r *http.Request) (string, error) {
	raw := chi.URLParam(r, ChunkIDParam)
	id, err := url.PathUnescape(raw)
	if err != nil {
		return "", fmt.Errorf("malformed chunk id %q", raw)
	}

	if id == "" {
		return "", errors.New("chunk id is required")
	}
	if strings.IndexFunc(id, unicode.IsSpace) >= 0 {
		return "", fmt.Errorf("chunk id %q contains whitespace", id)
	}
	return id, nil
}
