package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/knxlink/internal/connection"
	"github.com/nerrad567/knxlink/internal/eventbus"
	"github.com/nerrad567/knxlink/internal/groupcomm"
	"github.com/nerrad567/knxlink/internal/infrastructure/mqtt"
	"github.com/nerrad567/knxlink/internal/process"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string                     `json:"timestamp"`
	Version       string                     `json:"version"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Runtime       RuntimeMetrics             `json:"runtime"`
	WebSocket     WSMetrics                  `json:"websocket"`
	Connection    connection.Status          `json:"connection"`
	GroupComm     groupcomm.Stats            `json:"groupcomm"`
	Subscribers   []eventbus.SubscriberStats `json:"subscribers"`
	Datapoints    int                        `json:"datapoints"`
	MQTT          *mqtt.Stats                `json:"mqtt,omitempty"`
	Daemon        *process.Stats             `json:"knxd,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// handleMetrics returns runtime, bus and group communication statistics.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
		},
		Connection:  s.conn.Status(),
		GroupComm:   s.svc.Stats(),
		Subscribers: s.conn.BusStats(),
		Datapoints:  s.datapoints.Len(),
	}
	if src, ok := s.mqtt.(interface{ Stats() mqtt.Stats }); ok {
		st := src.Stats()
		m.MQTT = &st
	}
	if src, ok := s.daemon.(interface{ Stats() process.Stats }); ok {
		st := src.Stats()
		m.Daemon = &st
	}
	writeJSON(w, http.StatusOK, m)
}
