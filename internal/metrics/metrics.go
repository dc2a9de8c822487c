// Package metrics holds the Prometheus collectors shared by the tracker,
// the correlator, the importer and the note service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	VisitsPersisted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tshistory_visits_persisted_total",
		Help: "Visits written to the record store, by path (live, import)",
	}, []string{"path"})

	VisitFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tshistory_visit_failures_total",
		Help: "Visits rejected by the record store, by reason",
	}, []string{"reason"})

	CloseRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tshistory_close_records_total",
		Help: "Close records written, by close state",
	}, []string{"state"})

	ImportRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tshistory_import_remaining",
		Help: "Items left in the running bulk history import",
	})

	VisitsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tshistory_visits_pruned_total",
		Help: "Visits deleted by the retention sweep",
	})

	NotesSaved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tshistory_notes_saved_total",
		Help: "Note saves by merge mode and outcome",
	}, []string{"mode", "status"})

	OpenTabs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tshistory_open_tabs",
		Help: "Tabs currently tracked",
	})
)
