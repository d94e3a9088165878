package clkcal

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"example.com/clkcal/base/metrics"
)

type calibratorMetrics struct {
	beaconsReceived     prometheus.Counter
	beaconsDuplicate    prometheus.Counter
	cyclesValid         prometheus.Counter
	divergences         prometheus.Counter
	halfPeriods         prometheus.Counter
	illConditioned      prometheus.Counter
	notPositiveDefinite prometheus.Counter
	restarts            prometheus.Counter
	rollovers           prometheus.Counter
	skew                prometheus.Gauge
}

var calMetrics atomic.Pointer[calibratorMetrics]

func init() {
	calMetrics.Store(newCalibratorMetrics())
}

func newCalibratorMetrics() *calibratorMetrics {
	return &calibratorMetrics{
		beaconsReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.ClkcalBeaconsReceivedN,
			Help: metrics.ClkcalBeaconsReceivedH,
		}),
		beaconsDuplicate: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.ClkcalBeaconsDuplicateN,
			Help: metrics.ClkcalBeaconsDuplicateH,
		}),
		cyclesValid: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.ClkcalCyclesValidN,
			Help: metrics.ClkcalCyclesValidH,
		}),
		divergences: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.ClkcalDivergencesN,
			Help: metrics.ClkcalDivergencesH,
		}),
		halfPeriods: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.ClkcalHalfPeriodsN,
			Help: metrics.ClkcalHalfPeriodsH,
		}),
		illConditioned: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.ClkcalIllConditionedN,
			Help: metrics.ClkcalIllConditionedH,
		}),
		notPositiveDefinite: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.ClkcalNotPositiveDefiniteN,
			Help: metrics.ClkcalNotPositiveDefiniteH,
		}),
		restarts: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.ClkcalRestartsN,
			Help: metrics.ClkcalRestartsH,
		}),
		rollovers: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.ClkcalRolloversN,
			Help: metrics.ClkcalRolloversH,
		}),
		skew: promauto.NewGauge(prometheus.GaugeOpts{
			Name: metrics.ClkcalSkewN,
			Help: metrics.ClkcalSkewH,
		}),
	}
}
