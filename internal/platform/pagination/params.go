// Package pagination parses list query parameters and encodes cursor page tokens.
package pagination

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

const (
	// DefaultPageSize is used when the client omits page_size.
	DefaultPageSize = 50
	// DefaultMaxPageSize caps page_size.
	DefaultMaxPageSize = 100
)

// ErrInvalidPageSize reports a page_size that is not a positive integer.
var ErrInvalidPageSize = errors.New("pagination: invalid page_size")

// Params are the paging inputs of a list request.
type Params struct {
	PageSize  int
	PageToken string
}

// Options override the package defaults for one endpoint.
type Options struct {
	DefaultPageSize int
	MaxPageSize     int
}

// FromRequest reads page_size and page_token from the query string. Oversized pages are
// clamped; the token is validated but kept opaque.
func FromRequest(r *http.Request, opts Options) (Params, error) {
	query := r.URL.Query()

	maxSize := opts.MaxPageSize
	if maxSize <= 0 {
		maxSize = DefaultMaxPageSize
	}
	size := opts.DefaultPageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	size = min(size, maxSize)

	if raw := strings.TrimSpace(query.Get("page_size")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil {
			return Params{}, fmt.Errorf("%w: must be an integer", ErrInvalidPageSize)
		}
		if value <= 0 {
			return Params{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidPageSize)
		}
		size = min(value, maxSize)
	}

	token := strings.TrimSpace(query.Get("page_token"))
	if _, err := DecodeToken(token); err != nil {
		return Params{}, err
	}
	return Params{PageSize: size, PageToken: token}, nil
}
