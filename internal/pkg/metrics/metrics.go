package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "stockwatch"

var (
	// CrawlRunsTotal 按类目与结果统计的抓取次数。
	CrawlRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "crawl_runs_total",
		Help:      "Number of reconciliation cycles by category and outcome.",
	}, []string{"category", "status"})

	// CrawlDuration 单次抓取+对账耗时。
	CrawlDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "crawl_duration_seconds",
		Help:      "Duration of a full fetch-reconcile-dispatch cycle.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"category"})

	// ReconcileItemsTotal 对账结果中新品/在售/售罄的数量。
	ReconcileItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_items_total",
		Help:      "Items classified by the reconciliation engine.",
	}, []string{"category", "kind"})

	// ReconcileBatchFailuresTotal 批量写入失败次数。
	ReconcileBatchFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_batch_failures_total",
		Help:      "Failed store batches by operation.",
	}, []string{"op"})

	// UpstreamRequestsTotal 上游请求结果统计。
	UpstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_requests_total",
		Help:      "Upstream catalog requests by endpoint and outcome.",
	}, []string{"endpoint", "status"})

	// NotificationsTotal 推送结果统计。
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Push notifications by path and outcome.",
	}, []string{"path", "status"})

	// ScheduleJobs 当前注册的定时任务数量。
	ScheduleJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "schedule_jobs",
		Help:      "Number of category timers currently installed.",
	})

	// RateLimitWaitDuration 等待上游令牌的耗时。
	RateLimitWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ratelimit_wait_seconds",
		Help:      "Time spent waiting for an upstream rate-limit token.",
		Buckets:   prometheus.DefBuckets,
	})

	// RateLimitTimeoutTotal 等待令牌超时次数。
	RateLimitTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ratelimit_timeout_total",
		Help:      "Rate-limit waits aborted by context cancellation.",
	})

	// QueueDepth 调度工作池中排队的任务数。
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Pending schedule firings in the worker pool.",
	})

	// MonitorChecksTotal 单品监控检查结果。
	MonitorChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "monitor_checks_total",
		Help:      "Per-favorite stock checks by status.",
	}, []string{"status"})

	// CrawlRequestsTotal 跨进程抓取请求的处理结果。
	CrawlRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "crawl_requests_total",
		Help:      "Queued crawl requests by outcome (done, retried, dead, claimed).",
	}, []string{"outcome"})
)
