package contracts

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns "<prefix>-<n hex chars>" built from a random UUID. Used for
// approval request ids (apr-), execution jobs (job-), run records (ext-), and
// provider mock ids.
func NewID(prefix string, n int) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	if n > len(hex) {
		n = len(hex)
	}
	return prefix + "-" + hex[:n]
}
