package minidb

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the collectors MiniDB reports into.
// A nil *Metrics disables instrumentation.
type Metrics struct {
	Commands    *prometheus.CounterVec
	WALAppends  prometheus.Counter
	Flushes     prometheus.Counter
	Compactions prometheus.Counter
	Tables      prometheus.Gauge
}

// NewMetrics creates the MiniDB collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := Metrics{
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "minidb_commands_total",
			Help: "Commands handled by the dispatcher, by operation.",
		}, []string{"op"}),
		WALAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "minidb_wal_appends_total",
			Help: "Records durably appended to the write-ahead log.",
		}),
		Flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "minidb_flushes_total",
			Help: "WAL segment batches flushed into SSTables.",
		}),
		Compactions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "minidb_compactions_total",
			Help: "SSTable compaction runs completed.",
		}),
		Tables: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "minidb_sstables",
			Help: "SSTable files currently in the data directory.",
		}),
	}
	reg.MustRegister(m.Commands, m.WALAppends, m.Flushes, m.Compactions, m.Tables)
	return &m
}

func (m *Metrics) command(op string) {
	if m != nil {
		m.Commands.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) walAppend() {
	if m != nil {
		m.WALAppends.Inc()
	}
}

func (m *Metrics) flush() {
	if m != nil {
		m.Flushes.Inc()
	}
}

func (m *Metrics) compaction() {
	if m != nil {
		m.Compactions.Inc()
	}
}

func (m *Metrics) setTables(n int) {
	if m != nil {
		m.Tables.Set(float64(n))
	}
}
