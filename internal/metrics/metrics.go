package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	WSMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "imsync_ws_messages_total", Help: "WS上行动作数"},
		[]string{"action"},
	)
	SnapshotsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "imsync_snapshots_total", Help: "实时快照处理数（merged/discarded）"},
		[]string{"result"},
	)
	PendingReconciledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "imsync_pending_reconciled_total", Help: "与持久化消息对账移除的待发送消息数"},
	)
	SendFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "imsync_send_failures_total", Help: "发送失败数"},
		[]string{"stage"},
	)
	UnreadIncrementsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "imsync_unread_increments_total", Help: "本地未读数递增次数"},
	)
	SubscriptionErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "imsync_subscription_errors_total", Help: "实时通道错误（静默降级）"},
		[]string{"channel"},
	)
	MessageSendLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "imsync_send_latency_ms", Help: "入队到写入确认的延迟", Buckets: prometheus.LinearBuckets(5, 5, 20)},
	)
)

func Init() {
	prometheus.MustRegister(WSMessagesTotal)
	prometheus.MustRegister(SnapshotsTotal)
	prometheus.MustRegister(PendingReconciledTotal)
	prometheus.MustRegister(SendFailuresTotal)
	prometheus.MustRegister(UnreadIncrementsTotal)
	prometheus.MustRegister(SubscriptionErrorsTotal)
	prometheus.MustRegister(MessageSendLatency)
}
