package degraded

import (
	"time"

	"github.com/kmorten/asset-optimizer/internal/traffic"
)

// RecordSuccess records a successfully served image request.
func RecordSuccess() {
	traffic.RecordSuccess()
}

// RecordError records a failed image request (origin error, transform failure, timeout).
func RecordError() {
	traffic.RecordError()
}

// ErrorRate returns (errorCount, totalCount) within the window. totalCount = successes + errors.
func ErrorRate(window time.Duration) (errors, total int) {
	return traffic.ErrorRate(window)
}

// Reset clears all recorded data. For tests only.
func Reset() {
	traffic.Reset()
}
