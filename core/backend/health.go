package backend

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/bastion/core"
	"github.com/relabs-tech/bastion/core/logger"
)

// events pending for longer than this make the service unhealthy
const overdueEvents = 5 * time.Minute

type health struct {
	Status             string `json:"status"`
	PendingEvents      int64  `json:"pending_events"`
	OverdueEvents      int64  `json:"overdue_events"`
	RealtimeClients    int    `json:"realtime_clients"`
	Version            string `json:"version"`
	DatabaseReachable  bool   `json:"database_reachable"`
	BlobStoreAvailable bool   `json:"blob_store_available"`
}

func (b *Backend) handleHealth(router *mux.Router) {
	logger.Default().Debugln("health")
	logger.Default().Debugln("  handle health route: /_health GET")
	router.HandleFunc("/_health", func(w http.ResponseWriter, r *http.Request) {
		rlog := logger.FromContext(r.Context())
		h := health{
			Status:             "ok",
			RealtimeClients:    b.hub.Count(),
			Version:            Version,
			BlobStoreAvailable: b.kssDriver != nil,
		}
		stats, err := b.events.Stats(r.Context(), overdueEvents)
		if err != nil {
			rlog.WithError(err).Errorln("Error 4760: cannot read event statistics")
			h.Status = "unavailable"
			core.WriteJSON(w, http.StatusServiceUnavailable, h)
			return
		}
		h.DatabaseReachable = true
		h.PendingEvents = stats.Pending
		h.OverdueEvents = stats.Overdue
		status := http.StatusOK
		if stats.Overdue > 0 {
			// the dispatcher is stuck or down
			h.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
		core.WriteJSON(w, status, h)
	}).Methods(http.MethodOptions, http.MethodGet)
}
