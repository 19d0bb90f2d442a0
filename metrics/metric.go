package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Registry = prometheus.NewRegistry()

	EventsDecoded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "MetaRepair",
		Name:      "journal_events_decoded_total",
		Help:      "journal events decoded during recovery, by event tag",
	}, []string{"tag"})

	DentriesRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "MetaRepair",
		Name:      "dentries_recovered_total",
		Help:      "dentries written into the backing store by dentry recovery",
	})

	DentriesSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "MetaRepair",
		Name:      "dentries_skipped_total",
		Help:      "journal dentry events skipped because a newer version was already stored",
	})

	ObjectsErased = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "MetaRepair",
		Name:      "objects_erased_total",
		Help:      "rank-scoped backing store objects removed by the eraser",
	})

	TablesReset = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "MetaRepair",
		Name:      "tables_reset_total",
		Help:      "allocation table resets, by table kind",
	}, []string{"kind"})
)

func init() {
	Registry.MustRegister(
		EventsDecoded,
		DentriesRecovered,
		DentriesSkipped,
		ObjectsErased,
		TablesReset,
	)
}
