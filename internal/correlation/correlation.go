// Package correlation carries cross-service correlation IDs through contexts.
package correlation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Header is the HTTP header correlation IDs travel in.
const Header = "x-correlation-id"

type contextKey struct{}

// WithID returns a context carrying id.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the correlation ID stored in ctx, if any.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// NewID generates an ID of the form orch_<unix millis>_<random>.
func NewID(now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("orch_%d_%s", now.UnixMilli(), random)
}
