// ABOUTME: Discovery source interface shared by the directory and bucket backends.
// ABOUTME: Artifacts are addressed by slash-separated paths relative to the source root.

package discovery

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
)

// ErrNotFound indicates the artifact does not exist in the source.
var ErrNotFound = errors.New("artifact not found")

// ErrInvalidPath indicates an artifact path that escapes the source root.
var ErrInvalidPath = errors.New("invalid artifact path")

// Source is a place worker artifacts are published to.
type Source interface {
	// List returns artifact paths under prefix in a stable order.
	List(ctx context.Context, prefix string) ([]string, error)
	// Open returns the artifact contents.
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	// Delete removes the artifact. Returns ErrNotFound when absent.
	Delete(ctx context.Context, name string) error
}

// Local is implemented by sources whose artifacts already live on the local
// filesystem and can be executed in place.
type Local interface {
	LocalPath(name string) (string, error)
}

// CleanPath normalizes an artifact path and confines it to the source root.
func CleanPath(name string) (string, error) {
	if name == "" {
		return "", ErrInvalidPath
	}
	cleaned := path.Clean("/" + strings.ReplaceAll(name, "\\", "/"))
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." {
		return "", ErrInvalidPath
	}
	return cleaned, nil
}
