// Package metrics registers the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the service emits.
type Metrics struct {
	PaymentsTotal      *prometheus.CounterVec
	PaymentAmount      *prometheus.HistogramVec
	ChainSubmitSeconds prometheus.Histogram
	JobRunsTotal       *prometheus.CounterVec
	JobDurationSeconds *prometheus.HistogramVec
	StaleMarkedTotal   prometheus.Counter
	OtpRequestsTotal   *prometheus.CounterVec
	KeyRotationsTotal  prometheus.Counter
}

// New builds and registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PaymentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pingpay_payments_total",
			Help: "Payments by token, type and final status.",
		}, []string{"token", "type", "status"}),
		PaymentAmount: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pingpay_payment_amount",
			Help:    "Payment amounts in token units.",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
		}, []string{"token"}),
		ChainSubmitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pingpay_chain_submit_seconds",
			Help:    "Wall time of chain transaction submission including retries.",
			Buckets: prometheus.DefBuckets,
		}),
		JobRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pingpay_job_runs_total",
			Help: "Background job runs by job name and outcome.",
		}, []string{"job", "outcome"}),
		JobDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pingpay_job_duration_seconds",
			Help:    "Background job run duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		StaleMarkedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pingpay_stale_transactions_marked_total",
			Help: "Transactions timed out by the stale sweeper.",
		}),
		OtpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pingpay_otp_requests_total",
			Help: "OTP requests and verifications by outcome.",
		}, []string{"operation", "outcome"}),
		KeyRotationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pingpay_key_rotations_total",
			Help: "Wallet encryption blobs rewrapped to the current key version.",
		}),
	}
	reg.MustRegister(
		m.PaymentsTotal, m.PaymentAmount, m.ChainSubmitSeconds,
		m.JobRunsTotal, m.JobDurationSeconds, m.StaleMarkedTotal,
		m.OtpRequestsTotal, m.KeyRotationsTotal,
	)
	return m
}

// NewNop returns metrics registered on a throwaway registry, for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
