package instance

import (
	"os"

	"github.com/angelmondragon/bookings-backend/pkg/env"
)

// GetID returns the process instance identifier. It prefers BOOKINGS_WORKER_ID,
// then DYNO, then the host name, then a fixed default.
func GetID() string {
	if id, ok := env.First("BOOKINGS_WORKER_ID", "DYNO"); ok {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "worker-0"
}
