package archive

import (
	"context"
	"strings"
)

const memoryURL = "memory://"

// NewStore opens the archive named by databaseURL. A blank URL disables the
// archive and returns a nil Store; "memory://" keeps records in process.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	switch {
	case databaseURL == "":
		return nil, nil
	case strings.HasPrefix(databaseURL, memoryURL):
		return NewMemoryStore(), nil
	default:
		return NewPostgresStore(ctx, databaseURL)
	}
}
