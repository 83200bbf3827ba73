package metrics

import (
	"context"
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const dbGaugeTimeout = 2 * time.Second

var dbGauges = []struct {
	name, help, query string
}{
	{"devices_never_seen", "Registered devices without a last_seen timestamp",
		"SELECT COUNT(*) FROM inverter_systems WHERE last_seen IS NULL"},
	{"schedules_pending", "Pending load-control schedules",
		"SELECT COUNT(*) FROM scheduled_controls WHERE status = 'pending'"},
}

func registerDBMetrics(db *sql.DB, logger zerolog.Logger) {
	for _, g := range dbGauges {
		query := g.query
		prometheus.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: metricPrefix + g.name, Help: g.help},
			func() float64 { return countRows(db, logger, query) },
		))
	}
}

// countRows evaluates a COUNT query at scrape time; failures read as zero.
func countRows(db *sql.DB, logger zerolog.Logger, query string) float64 {
	if db == nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), dbGaugeTimeout)
	defer cancel()
	var n sql.NullInt64
	if err := db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		logger.Warn().Err(err).Str("query", query).Msg("metrics gauge query failed")
		return 0
	}
	return float64(max(n.Int64, 0))
}
