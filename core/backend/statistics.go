package backend

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/bastion/core"
	"github.com/relabs-tech/bastion/core/logger"
)

// tableStatistics represents information about one configured table
type tableStatistics struct {
	Table        string  `json:"table"`
	Policy       string  `json:"policy"`
	Count        int64   `json:"count"`
	SizeMB       float64 `json:"size_mb"`
	AverageSizeB float64 `json:"average_size_b"`
}

// statisticsDetails represents information about the backend tables
type statisticsDetails struct {
	Tables  []tableStatistics `json:"tables"`
	Pending int64             `json:"pending_events"`
}

func (b *Backend) handleStatistics(router *mux.Router) {
	logger.Default().Debugln("statistics")
	logger.Default().Debugln("  handle admin route: /admin/statistics GET")
	router.HandleFunc("/admin/statistics", adminOnly(core.ActionRead, b.statistics)).
		Methods(http.MethodOptions, http.MethodGet)
}

func (b *Backend) statistics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s := statisticsDetails{Tables: []tableStatistics{}}
	// Tables() is sorted, so the ETag does not depend on configuration order
	for _, t := range b.policy.Tables() {
		var size, count int64
		err := b.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT pg_total_relation_size('%s'), count(*) FROM %s`,
			strings.ReplaceAll(b.db.Table(t.Table), "'", "''"), b.db.Table(t.Table))).Scan(&size, &count)
		if err != nil {
			logger.FromContext(ctx).WithError(err).Errorf("Error 4761: statistics for %s", t.Table)
			core.WriteError(w, r, dataError(err, t.Table))
			return
		}
		var averageSize float64
		if count != 0 {
			averageSize = float64(size / count)
		}
		s.Tables = append(s.Tables, tableStatistics{
			Table:        t.Table,
			Policy:       string(t.Policy),
			Count:        count,
			SizeMB:       float64(size) / 1024. / 1024.,
			AverageSizeB: averageSize,
		})
	}
	stats, err := b.events.Stats(ctx, overdueEvents)
	if err != nil {
		core.WriteError(w, r, err)
		return
	}
	s.Pending = stats.Pending

	jsonData, _ := json.Marshal(s)
	etag := bytesToEtag(jsonData)
	w.Header().Set("ETag", etag)
	if ifNoneMatchFound(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Write(jsonData)
}

func bytesToEtag(b []byte) string {
	sum := sha256.Sum256(b)
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}

func ifNoneMatchFound(ifNoneMatch, etag string) bool {
	ifNoneMatch = strings.TrimSpace(ifNoneMatch)
	if len(ifNoneMatch) == 0 {
		return false
	}
	if ifNoneMatch == "*" {
		return true
	}
	t := strings.Trim(etag, " \"")
	for _, s := range strings.Split(ifNoneMatch, ",") {
		if strings.Trim(s, " \"") == t {
			return true
		}
	}
	return false
}
