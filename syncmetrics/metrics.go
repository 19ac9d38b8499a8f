// Package syncmetrics exposes prometheus collectors for chain and wallet
// synchronization.
package syncmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "walletsync"

// Metrics holds the collectors of one sync engine.
type Metrics struct {
	bestHeight      prometheus.Gauge
	filterTip       *prometheus.GaugeVec
	subchainHeight  *prometheus.GaugeVec
	reorgs          *prometheus.CounterVec
	commits         *prometheus.CounterVec
	batchSize       prometheus.Histogram
	blocksProcessed *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		bestHeight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "best_height",
			Help:      "Height of the best header chain.",
		}),
		filterTip: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "filters",
			Name:      "tip_height",
			Help:      "Height of the filter tip per filter type.",
		}, []string{"type"}),
		subchainHeight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subchain",
			Name:      "progress_height",
			Help:      "Height a subchain is scanned to.",
		}, []string{"subchain"}),
		reorgs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "reorgs_total",
			Help:      "Count of reorgs applied to all subchains.",
		}, []string{"status"}),
		commits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subchain",
			Name:      "commits_total",
			Help:      "Count of subchain commits.",
		}, []string{"job", "status"}),
		batchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "subchain",
			Name:      "batch_size",
			Help:      "Number of blocks downloaded per batch.",
			Buckets:   prometheus.LinearBuckets(1, 4, 7),
		}),
		blocksProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subchain",
			Name:      "blocks_total",
			Help:      "Count of blocks committed by subchains.",
		}, []string{"job", "download"}),
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}

	return "success"
}

// SetBestHeight records the height of the best chain.
func (m *Metrics) SetBestHeight(height uint32) {
	m.bestHeight.Set(float64(height))
}

// SetFilterTip records the filter tip of a filter type.
func (m *Metrics) SetFilterTip(fType string, height uint32) {
	m.filterTip.WithLabelValues(fType).Set(float64(height))
}

// SetSubchainHeight records the progress of a subchain.
func (m *Metrics) SetSubchainHeight(subchain string, height uint32) {
	m.subchainHeight.WithLabelValues(subchain).Set(float64(height))
}

// DeleteSubchain removes the progress of a subchain.
func (m *Metrics) DeleteSubchain(subchain string) {
	m.subchainHeight.DeleteLabelValues(subchain)
}

// ObserveReorg counts a reorg attempt.
func (m *Metrics) ObserveReorg(err error) {
	m.reorgs.WithLabelValues(status(err)).Inc()
}

// ObserveCommit counts a commit of the given job and the blocks it covered,
// split by whether they were downloaded.
func (m *Metrics) ObserveCommit(job string, err error, blocks,
	downloaded int) {

	m.commits.WithLabelValues(job, status(err)).Inc()
	if err != nil {
		return
	}

	m.blocksProcessed.WithLabelValues(job, "false").Add(
		float64(blocks - downloaded),
	)
	m.blocksProcessed.WithLabelValues(job, "true").Add(float64(downloaded))
}

// ObserveBatch records the size of a finished batch.
func (m *Metrics) ObserveBatch(size int) {
	m.batchSize.Observe(float64(size))
}
