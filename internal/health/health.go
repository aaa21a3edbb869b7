// Package health reports readiness of the process's hard dependencies: the
// audit database and, for the API, the dispatch queue.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const probeTimeout = 1 * time.Second

// Pinger is the queue-connectivity probe; *queue.Producer satisfies it
type Pinger interface {
	Ping() error
}

type Status struct {
	OK       bool   `json:"ok"`
	Database bool   `json:"database"`
	Queue    *bool  `json:"queue,omitempty"` // nil when no queue is attached
	Message  string `json:"message,omitempty"`
}

// HTTPHandler serves the health status. A nil pool or queue skips that probe;
// any failing probe yields 503 so the orchestrator stops routing traffic.
func HTTPHandler(pool *pgxpool.Pool, queue Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Database: true, Message: "ok"}

		if pool != nil {
			ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
			defer cancel()
			if err := pool.Ping(ctx); err != nil {
				st.OK = false
				st.Database = false
				st.Message = "db ping failed"
			}
		}
		if queue != nil {
			up := queue.Ping() == nil
			st.Queue = &up
			if !up {
				st.OK = false
				st.Message = "queue ping failed"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
