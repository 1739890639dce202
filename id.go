package maestro

import (
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// NewID generates a 21-character identifier from the URL-safe nanoid
// alphabet (A-Za-z0-9_-). IDs are opaque; nothing may parse them.
func NewID() string {
	return gonanoid.Must()
}

// NowUnixMilli returns current time as Unix milliseconds. All persisted
// timestamps use this resolution.
func NowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
