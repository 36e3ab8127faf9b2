// Package remote provides the client for the application-scoped remote asset store.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Asset is an entry in the remote asset collection.
type Asset struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type int    `json:"type,omitempty"`
}

// Client lists, creates and deletes assets in the remote store.
// Implementations must be safe for concurrent use.
type Client interface {
	// List returns every asset in the collection, in the order the store reports them.
	List(ctx context.Context) ([]Asset, error)

	// Create uploads an image given as a base64 data URI under name and
	// returns the asset with its generated id.
	Create(ctx context.Context, dataURI, name string) (Asset, error)

	// Delete removes the asset with the given id.
	Delete(ctx context.Context, id string) error
}

// maxPayloadLen caps how much of a request payload is echoed in error messages.
const maxPayloadLen = 128

// Error is returned for any failed remote store request, including transport failures.
type Error struct {
	Method     string
	Target     string
	Payload    string
	StatusCode int // zero when no response was received
	Body       string
	Err        error // transport or decode failure, if any
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "remote store %s %s", e.Method, e.Target)
	if e.Payload != "" {
		fmt.Fprintf(&b, " payload=%s", truncate(e.Payload, maxPayloadLen))
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Body != "" {
		fmt.Fprintf(&b, ": %s", e.Body)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is a remote store 404.
func IsNotFound(err error) bool {
	var rerr *Error
	return errors.As(err, &rerr) && rerr.StatusCode == http.StatusNotFound
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
