package api

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/playmill/playmill/internal/version"
)

// metricsHandler returns Prometheus-compatible metrics in text format.
func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.startTime).Seconds()
	wsClients := s.broadcaster.SubscriberCount()
	eventsTotal := s.broadcaster.TotalCount()

	pending := 0
	if s.pendingJobs != nil {
		pending = s.pendingJobs()
	}

	pgConnected := 0
	if s.pgPing != nil && s.pgPing() == nil {
		pgConnected = 1
	}

	mqttConnected := 0
	if s.mqttUp != nil && s.mqttUp() {
		mqttConnected = 1
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	writeMetric := func(name, mtype, help string, value interface{}, labels string) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		if labels != "" {
			fmt.Fprintf(w, "%s{%s} %v\n", name, labels, value)
		} else {
			fmt.Fprintf(w, "%s %v\n", name, value)
		}
	}

	labels := fmt.Sprintf(`instance="%s",version="%s"`, hostname, version.Version)

	writeMetric("playmill_uptime_seconds", "gauge",
		"Number of seconds since the engine started", uptime, labels)

	writeMetric("playmill_events_total", "counter",
		"Total number of session events broadcast since startup", eventsTotal, labels)

	writeMetric("playmill_ws_clients", "gauge",
		"Number of active WebSocket client connections", wsClients, labels)

	writeMetric("playmill_pending_deadlines", "gauge",
		"Number of armed move deadline timers", pending, labels)

	writeMetric("playmill_postgres_connected", "gauge",
		"Whether PostgreSQL is connected (1) or not (0)", pgConnected, labels)

	writeMetric("playmill_mqtt_connected", "gauge",
		"Whether the MQTT broker is connected (1) or not (0)", mqttConnected, labels)
}
