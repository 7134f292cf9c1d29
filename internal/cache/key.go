package cache

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrInvalidKey is returned when a name or path cannot be turned into a key.
var ErrInvalidKey = errors.New("cache: invalid key")

// Key addresses one cached object. It is the cleaned, slash-separated object
// path without a leading slash, so the carousel name "movie/trailer.mp4" and
// the request path "/movie/./trailer.mp4" address the same entry.
type Key string

// NewKey derives a key from a carousel object name or an HTTP request path.
// A query string or fragment is ignored.
func NewKey(name string) (Key, error) {
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}

	p := strings.TrimPrefix(path.Clean("/"+name), "/")
	if p == "" || p == "." {
		return "", ErrInvalidKey
	}

	return Key(p), nil
}

// KeyFromName derives the key of a broadcast object. Unlike NewKey it rejects
// names that are not already in canonical form, so two distinct object names
// never share a key. A leading slash is allowed.
func KeyFromName(name string) (Key, error) {
	k, err := NewKey(name)
	if err != nil {
		return "", err
	}
	if k.String() != strings.TrimPrefix(name, "/") {
		return "", fmt.Errorf("%w: %q is not a canonical object name", ErrInvalidKey, name)
	}

	return k, nil
}

// String implements fmt.Stringer.
func (k Key) String() string {
	return string(k)
}

// Ext returns the file extension of the key, including the dot.
func (k Key) Ext() string {
	return path.Ext(string(k))
}
