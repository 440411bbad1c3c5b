package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics records task-queue and worker outcomes.
type PipelineMetrics struct {
	tasksClaimed       *prometheus.CounterVec
	tasksAcked         *prometheus.CounterVec
	tasksDeadLettered  *prometheus.CounterVec
	taskDuration       *prometheus.HistogramVec
	queueDepth         prometheus.Gauge
	notificationsSent  *prometheus.CounterVec
	publishesDropped   prometheus.Counter
	cacheInvalidations prometheus.Counter
}

// NewPipelineMetrics registers the pipeline metrics on the provided registerer.
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	if reg == nil {
		return &PipelineMetrics{}
	}
	tasksClaimed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tasks_claimed_total",
		Help: "Tasks claimed from the queue, including redeliveries.",
	}, []string{"kind"})
	tasksAcked := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tasks_acked_total",
		Help: "Tasks acknowledged and removed from the queue.",
	}, []string{"kind"})
	tasksDeadLettered := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tasks_dead_lettered_total",
		Help: "Tasks terminated after exhausting their redelivery budget.",
	}, []string{"kind"})
	taskDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "task_duration_seconds",
		Help:    "Wall-clock duration of worker task handling.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})
	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "task_queue_depth",
		Help: "Tasks waiting or in flight, sampled periodically.",
	})
	notificationsSent := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_created_total",
		Help: "Durably persisted notifications by type.",
	}, []string{"type"})
	publishesDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notification_publishes_dropped_total",
		Help: "Live broker publishes that failed and were swallowed.",
	})
	cacheInvalidations := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "unread_cache_invalidations_total",
		Help: "Unread-count cache invalidations.",
	})
	reg.MustRegister(
		tasksClaimed, tasksAcked, tasksDeadLettered, taskDuration, queueDepth,
		notificationsSent, publishesDropped, cacheInvalidations,
	)
	return &PipelineMetrics{
		tasksClaimed:       tasksClaimed,
		tasksAcked:         tasksAcked,
		tasksDeadLettered:  tasksDeadLettered,
		taskDuration:       taskDuration,
		queueDepth:         queueDepth,
		notificationsSent:  notificationsSent,
		publishesDropped:   publishesDropped,
		cacheInvalidations: cacheInvalidations,
	}
}

func (p *PipelineMetrics) IncClaimed(kind string) {
	if p == nil || p.tasksClaimed == nil {
		return
	}
	p.tasksClaimed.WithLabelValues(normalizeLabel(kind)).Inc()
}

func (p *PipelineMetrics) IncAcked(kind string) {
	if p == nil || p.tasksAcked == nil {
		return
	}
	p.tasksAcked.WithLabelValues(normalizeLabel(kind)).Inc()
}

func (p *PipelineMetrics) IncDeadLettered(kind string) {
	if p == nil || p.tasksDeadLettered == nil {
		return
	}
	p.tasksDeadLettered.WithLabelValues(normalizeLabel(kind)).Inc()
}

func (p *PipelineMetrics) ObserveTaskDuration(kind string, duration time.Duration) {
	if p == nil || p.taskDuration == nil {
		return
	}
	p.taskDuration.WithLabelValues(normalizeLabel(kind)).Observe(duration.Seconds())
}

func (p *PipelineMetrics) SetQueueDepth(depth int64) {
	if p == nil || p.queueDepth == nil {
		return
	}
	p.queueDepth.Set(float64(depth))
}

func (p *PipelineMetrics) IncNotificationCreated(notificationType string) {
	if p == nil || p.notificationsSent == nil {
		return
	}
	p.notificationsSent.WithLabelValues(normalizeLabel(notificationType)).Inc()
}

func (p *PipelineMetrics) IncPublishDropped() {
	if p == nil || p.publishesDropped == nil {
		return
	}
	p.publishesDropped.Inc()
}

func (p *PipelineMetrics) IncCacheInvalidation() {
	if p == nil || p.cacheInvalidations == nil {
		return
	}
	p.cacheInvalidations.Inc()
}

func normalizeLabel(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return "unknown"
	}
	return value
}
