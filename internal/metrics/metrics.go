package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ClientsConnected tracks the number of currently connected clients
	ClientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mqtt_clients_connected",
		Help: "Number of currently connected MQTT clients",
	})

	// MessagesReceived counts total messages received
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqtt_messages_received_total",
			Help: "Total number of MQTT messages received by type",
		},
		[]string{"type"},
	)

	// MessagesSent counts total messages sent
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqtt_messages_sent_total",
			Help: "Total number of MQTT messages sent by type",
		},
		[]string{"type"},
	)

	// BytesReceived tracks bytes received
	BytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_bytes_received_total",
		Help: "Total bytes received from MQTT clients",
	})

	// BytesSent tracks bytes sent
	BytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_bytes_sent_total",
		Help: "Total bytes sent to MQTT clients",
	})

	// ConnectionsTotal tracks total connection attempts
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_connections_total",
		Help: "Total number of connection attempts",
	})

	// SubscriptionsActive tracks active subscriptions
	SubscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mqtt_subscriptions_active",
		Help: "Number of active subscriptions",
	})

	// RetainedMessages tracks retained messages
	RetainedMessages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mqtt_retained_messages",
		Help: "Number of retained messages",
	})

	// QoSMessagesInflight tracks in-flight QoS 1/2 messages
	QoSMessagesInflight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mqtt_qos_messages_inflight",
			Help: "Number of in-flight QoS 1/2 messages",
		},
		[]string{"qos"},
	)

	// AdmissionRejections counts connection attempts rejected by the
	// admission layer, by reason (banned/rate_limited/max_connections).
	AdmissionRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqtt_admission_rejections_total",
			Help: "Total connection attempts rejected by the admission layer, by reason",
		},
		[]string{"reason"},
	)

	// PersistenceQueueDepth tracks how many writes are currently
	// buffered in the persistence manager's bounded channel.
	PersistenceQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mqtt_persistence_queue_depth",
		Help: "Number of persistence writes currently queued for the background writer",
	})

	// PersistenceWritesDropped counts writes discarded because the
	// persistence queue was full.
	PersistenceWritesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_persistence_writes_dropped_total",
		Help: "Total persistence writes dropped because the queue was full",
	})

	// QueuedOutboundDropped counts per-session queued-publish drops due
	// to the session's bounded outbound queue overflowing.
	QueuedOutboundDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqtt_queued_outbound_dropped_total",
			Help: "Total outbound publishes dropped due to queue overflow, by policy",
		},
		[]string{"policy"},
	)
)
