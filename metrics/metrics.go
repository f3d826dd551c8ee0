package metrics

import (
	"fmt"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_connections_active",
		Help: "The current number of active WebSocket connections.",
	})
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_connections_total",
		Help: "The total number of WebSocket connections accepted.",
	})
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_rooms_active",
		Help: "The current number of rooms with at least one subscriber.",
	})

	// Event flow metrics
	EventsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_events_received_total",
		Help: "The total number of events received from clients.",
	})
	EventsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_events_delivered_total",
		Help: "The total number of events delivered to subscribers.",
	}, []string{"room_kind"})
	DeliveryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_delivery_failures_total",
		Help: "The total number of per-subscriber delivery failures (swallowed).",
	}, []string{"room_kind"})

	// Auth metrics
	AuthSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_auth_success_total",
		Help: "The total number of successful authentications.",
	})
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_auth_failures_total",
		Help: "The total number of failed authentications.",
	}, []string{"reason"})

	// Coordinator metrics
	CoordinatorRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_coordinator_rejections_total",
		Help: "The total number of rejected shared-document mutations.",
	}, []string{"op", "reason"})

	// Bridge metrics
	BridgeNotifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_bridge_notifications_total",
		Help: "The total number of post-commit notifications fanned out.",
	}, []string{"source"})
	BridgePublishRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_bridge_publish_retries_total",
		Help: "The total number of retries when publishing to the bridge topic.",
	})
)

// StartServer starts the HTTP server for Prometheus metrics.
func StartServer(port int, path string) {
	http.Handle(path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	log.Printf("Starting metrics server on %s%s", addr, path)

	go func() {
		if err := http.ListenAndServe(addr, nil); err != nil {
			log.Fatalf("Failed to start metrics server: %v", err)
		}
	}()
}
