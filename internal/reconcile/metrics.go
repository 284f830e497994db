package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ============================================================
// Prometheus метрики сверки
// ============================================================
//
// Метрики создаются на переданном Registerer, а не глобально:
// тесты получают свой prometheus.NewRegistry(), сервер - общий.

// Metrics набор метрик планировщика, конвейера и риск-контроля
type Metrics struct {
	// Планировщик
	Ticks           prometheus.Counter
	TickDuration    prometheus.Histogram
	UsersSkipped    *prometheus.CounterVec // reason: in_flight, no_slot
	PipelinesActive prometheus.Gauge

	// Конвейер
	PipelineDuration prometheus.Histogram
	PipelineErrors   *prometheus.CounterVec // kind: transient, pipeline, panic

	// Сверка
	Divergences *prometheus.CounterVec // kind

	// Риск-контроль
	GuardTriggers *prometheus.CounterVec // guard, cause (уровень или причина рынка)
	Drawdown      *prometheus.GaugeVec   // user_id

	// Закрытие
	CloseAttempts *prometheus.CounterVec // result
	CloseLatency  prometheus.Histogram
}

// NewMetrics регистрирует метрики в reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reconciler",
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Total number of scheduler ticks",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "reconciler",
			Subsystem: "scheduler",
			Name:      "tick_dispatch_seconds",
			Help:      "Time spent dispatching users within a tick",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 2.5, 5, 10},
		}),
		UsersSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reconciler",
			Subsystem: "scheduler",
			Name:      "users_skipped_total",
			Help:      "Users skipped within a tick by reason",
		}, []string{"reason"}),
		PipelinesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "reconciler",
			Subsystem: "scheduler",
			Name:      "pipelines_in_flight",
			Help:      "Number of user pipelines currently running",
		}),
		PipelineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "reconciler",
			Subsystem: "pipeline",
			Name:      "duration_seconds",
			Help:      "Duration of a single user pipeline run",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		PipelineErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reconciler",
			Subsystem: "pipeline",
			Name:      "errors_total",
			Help:      "Pipeline failures by kind",
		}, []string{"kind"}),
		Divergences: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reconciler",
			Subsystem: "matcher",
			Name:      "divergences_total",
			Help:      "Detected divergences between broker and tracked state",
		}, []string{"kind"}),
		GuardTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reconciler",
			Subsystem: "guard",
			Name:      "triggers_total",
			Help:      "Guard triggers by guard and cause",
		}, []string{"guard", "cause"}),
		Drawdown: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "reconciler",
			Subsystem: "guard",
			Name:      "drawdown_percent",
			Help:      "Last computed drawdown from peak equity",
		}, []string{"user_id"}),
		CloseAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reconciler",
			Subsystem: "closer",
			Name:      "requests_total",
			Help:      "Close requests by final result",
		}, []string{"result"}),
		CloseLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "reconciler",
			Subsystem: "closer",
			Name:      "latency_seconds",
			Help:      "Time from close request to broker confirmation",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
	}

	reg.MustRegister(
		m.Ticks,
		m.TickDuration,
		m.UsersSkipped,
		m.PipelinesActive,
		m.PipelineDuration,
		m.PipelineErrors,
		m.Divergences,
		m.GuardTriggers,
		m.Drawdown,
		m.CloseAttempts,
		m.CloseLatency,
	)
	return m
}
