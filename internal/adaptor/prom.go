package adaptor

import "github.com/prometheus/client_golang/prometheus"

var prom struct {
	ReadsTotal           *prometheus.CounterVec
	ReadBytesTotal       prometheus.Counter
	RequestSplitsTotal   prometheus.Counter
	SourceDemotionsTotal prometheus.Counter
	SourcePromotionsTotal prometheus.Counter
	SourceSwapsTotal     prometheus.Counter
	SourceFailuresTotal  prometheus.Counter
	OpenProbesTotal      prometheus.Counter
	OpensTotal           *prometheus.CounterVec
}

func init() {
	prom.ReadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xrdfed",
		Subsystem: "adaptor",
		Name:      "reads_total",
		Help:      "Read operations dispatched to sources",
	}, []string{"kind"})
	prom.ReadBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "xrdfed",
		Subsystem: "adaptor",
		Name:      "read_bytes_total",
		Help:      "Bytes successfully read from all sources",
	})
	prom.RequestSplitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "xrdfed",
		Subsystem: "adaptor",
		Name:      "request_splits_total",
		Help:      "Scatter requests split across two sources",
	})
	prom.SourceDemotionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "xrdfed",
		Subsystem: "adaptor",
		Name:      "source_demotions_total",
		Help:      "Active sources demoted for poor quality",
	})
	prom.SourcePromotionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "xrdfed",
		Subsystem: "adaptor",
		Name:      "source_promotions_total",
		Help:      "Inactive sources promoted back to active",
	})
	prom.SourceSwapsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "xrdfed",
		Subsystem: "adaptor",
		Name:      "source_swaps_total",
		Help:      "Quality-driven swaps of an active and an inactive source",
	})
	prom.SourceFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "xrdfed",
		Subsystem: "adaptor",
		Name:      "source_failures_total",
		Help:      "Sources permanently disabled after a hard failure",
	})
	prom.OpenProbesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "xrdfed",
		Subsystem: "adaptor",
		Name:      "open_probes_total",
		Help:      "Random speculative opens probing for a better replica",
	})
	prom.OpensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xrdfed",
		Subsystem: "adaptor",
		Name:      "opens_total",
		Help:      "Completed asynchronous open attempts by outcome",
	}, []string{"outcome"})
}

// PrometheusRegister registers the package's collectors with a registry
func PrometheusRegister(registry prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		prom.ReadsTotal,
		prom.ReadBytesTotal,
		prom.RequestSplitsTotal,
		prom.SourceDemotionsTotal,
		prom.SourcePromotionsTotal,
		prom.SourceSwapsTotal,
		prom.SourceFailuresTotal,
		prom.OpenProbesTotal,
		prom.OpensTotal,
	} {
		if err := registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}
