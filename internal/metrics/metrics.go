// Package metrics tracks process-wide operational counters (polls,
// commands, TCP connections, device online flags) and exposes them as a
// JSON snapshot or a Prometheus exposition-format string.
package metrics

import (
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"
)

// Metrics holds process-wide operational counters, safe for concurrent use.
type Metrics struct {
	// Poll metrics
	TotalPolls  int64 `json:"total_polls"`
	FailedPolls int64 `json:"failed_polls"`

	// Command metrics
	TotalCommands   int64 `json:"total_commands"`
	DroppedCommands int64 `json:"dropped_commands"`

	// Device online flags (0 or 1, mirroring a Prometheus gauge)
	SensorOnline  int64 `json:"sensor_online"`
	DriverOnline  int64 `json:"driver_online"`
	CounterOnline int64 `json:"counter_online"`

	// Connection metrics
	ModbusTCPConnections int64 `json:"modbus_tcp_connections"`
	JSONClientConnected  int64 `json:"json_client_connected"`

	// System metrics
	Uptime         int64   `json:"uptime_seconds"`
	MemoryUsed     uint64  `json:"memory_used_bytes"`
	MemoryTotal    uint64  `json:"memory_total_bytes"`
	GoroutineCount int     `json:"goroutine_count"`

	// Request metrics (operator-facing HTTP/JSON surfaces)
	TotalRequests   int64   `json:"total_requests"`
	TotalErrors     int64   `json:"total_errors"`
	AvgResponseTime float64 `json:"avg_response_time_ms"`

	mu        sync.RWMutex
	startTime time.Time
}

// NewMetrics creates a zeroed Metrics with its uptime clock started now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// IncrementPolls records a poll cycle in which at least one device answered;
// a cycle in which none answered is counted by IncrementFailedPolls instead.
func (m *Metrics) IncrementPolls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalPolls++
}

// IncrementFailedPolls records a poll cycle in which no device answered.
func (m *Metrics) IncrementFailedPolls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailedPolls++
}

// IncrementCommands records a command accepted by the router.
func (m *Metrics) IncrementCommands() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalCommands++
}

// IncrementDroppedCommands records a command rejected by the router
// (priority arbitration, alarm gating, or validation failure).
func (m *Metrics) IncrementDroppedCommands() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DroppedCommands++
}

// SetDeviceOnline sets the online gauges of all three field devices.
func (m *Metrics) SetDeviceOnline(sensor, driver, counter bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SensorOnline = boolToInt64(sensor)
	m.DriverOnline = boolToInt64(driver)
	m.CounterOnline = boolToInt64(counter)
}

// SetModbusTCPConnections records the current count of connected Modbus
// TCP masters.
func (m *Metrics) SetModbusTCPConnections(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ModbusTCPConnections = n
}

// SetJSONClientConnected records whether the single-slot JSON client is
// currently attached.
func (m *Metrics) SetJSONClientConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.JSONClientConnected = boolToInt64(connected)
}

// IncrementRequests records an inbound operator-facing HTTP request
// (dashboard bridge upgrade attempts, a future status endpoint).
func (m *Metrics) IncrementRequests() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalRequests++
}

// IncrementErrors records a failed operator-facing HTTP request.
func (m *Metrics) IncrementErrors() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalErrors++
}

// RecordResponseTime folds duration into an exponential moving average of
// response time.
func (m *Metrics) RecordResponseTime(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms := float64(duration.Milliseconds())
	if m.AvgResponseTime == 0 {
		m.AvgResponseTime = ms
	} else {
		m.AvgResponseTime = (m.AvgResponseTime * 0.9) + (ms * 0.1)
	}
}

// UpdateSystemMetrics refreshes uptime, memory, and goroutine counters
// from the Go runtime.
func (m *Metrics) UpdateSystemMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Uptime = int64(time.Since(m.startTime).Seconds())

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	m.MemoryUsed = memStats.Alloc
	m.MemoryTotal = memStats.Sys

	m.GoroutineCount = runtime.NumGoroutine()
}

// GetMetrics returns a JSON-serializable snapshot of all counters.
func (m *Metrics) GetMetrics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"polls": map[string]interface{}{
			"total":  m.TotalPolls,
			"failed": m.FailedPolls,
		},
		"commands": map[string]interface{}{
			"total":   m.TotalCommands,
			"dropped": m.DroppedCommands,
		},
		"devices": map[string]interface{}{
			"sensor_online":  m.SensorOnline == 1,
			"driver_online":  m.DriverOnline == 1,
			"counter_online": m.CounterOnline == 1,
		},
		"connections": map[string]interface{}{
			"modbus_tcp":  m.ModbusTCPConnections,
			"json_client": m.JSONClientConnected == 1,
		},
		"system": map[string]interface{}{
			"uptime_seconds":     m.Uptime,
			"memory_used_bytes":  m.MemoryUsed,
			"memory_total_bytes": m.MemoryTotal,
			"memory_used_mb":     m.MemoryUsed / 1024 / 1024,
			"goroutines":         m.GoroutineCount,
		},
		"requests": map[string]interface{}{
			"total_requests":       m.TotalRequests,
			"total_errors":         m.TotalErrors,
			"avg_response_time_ms": m.AvgResponseTime,
			"error_rate": func() float64 {
				if m.TotalRequests == 0 {
					return 0.0
				}
				return float64(m.TotalErrors) / float64(m.TotalRequests) * 100
			}(),
		},
	}
}

// PrometheusFormat renders the current counters in Prometheus exposition
// format.
func (m *Metrics) PrometheusFormat() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return `# HELP modbus_gateway_polls_total Poll cycles in which at least one device answered
# TYPE modbus_gateway_polls_total counter
modbus_gateway_polls_total ` + formatInt64(m.TotalPolls) + `

# HELP modbus_gateway_polls_failed_total Poll cycles in which no device answered
# TYPE modbus_gateway_polls_failed_total counter
modbus_gateway_polls_failed_total ` + formatInt64(m.FailedPolls) + `

# HELP modbus_gateway_commands_total Total number of commands accepted by the router
# TYPE modbus_gateway_commands_total counter
modbus_gateway_commands_total ` + formatInt64(m.TotalCommands) + `

# HELP modbus_gateway_commands_dropped_total Commands rejected by the router
# TYPE modbus_gateway_commands_dropped_total counter
modbus_gateway_commands_dropped_total ` + formatInt64(m.DroppedCommands) + `

# HELP modbus_gateway_sensor_online Sensor device online flag
# TYPE modbus_gateway_sensor_online gauge
modbus_gateway_sensor_online ` + formatInt64(m.SensorOnline) + `

# HELP modbus_gateway_driver_online Driver device online flag
# TYPE modbus_gateway_driver_online gauge
modbus_gateway_driver_online ` + formatInt64(m.DriverOnline) + `

# HELP modbus_gateway_counter_online Counter device online flag
# TYPE modbus_gateway_counter_online gauge
modbus_gateway_counter_online ` + formatInt64(m.CounterOnline) + `

# HELP modbus_gateway_modbus_tcp_connections Connected Modbus TCP masters
# TYPE modbus_gateway_modbus_tcp_connections gauge
modbus_gateway_modbus_tcp_connections ` + formatInt64(m.ModbusTCPConnections) + `

# HELP modbus_gateway_uptime_seconds Uptime in seconds
# TYPE modbus_gateway_uptime_seconds gauge
modbus_gateway_uptime_seconds ` + formatInt64(m.Uptime) + `

# HELP modbus_gateway_memory_used_bytes Memory used in bytes
# TYPE modbus_gateway_memory_used_bytes gauge
modbus_gateway_memory_used_bytes ` + formatUint64(m.MemoryUsed) + `

# HELP modbus_gateway_goroutines Number of goroutines
# TYPE modbus_gateway_goroutines gauge
modbus_gateway_goroutines ` + formatInt(m.GoroutineCount) + `

# HELP modbus_gateway_requests_total Total number of operator-facing HTTP requests
# TYPE modbus_gateway_requests_total counter
modbus_gateway_requests_total ` + formatInt64(m.TotalRequests) + `

# HELP modbus_gateway_errors_total Total number of operator-facing HTTP errors
# TYPE modbus_gateway_errors_total counter
modbus_gateway_errors_total ` + formatInt64(m.TotalErrors) + `

# HELP modbus_gateway_response_time_ms Average response time in milliseconds
# TYPE modbus_gateway_response_time_ms gauge
modbus_gateway_response_time_ms ` + formatFloat64(m.AvgResponseTime) + `
`
}

// Middleware wraps an http.Handler, recording request count, error count
// (status >= 400), and response time for every request it serves.
func Middleware(m *Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.IncrementRequests()

		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		m.RecordResponseTime(time.Since(start))
		if rw.status >= 400 {
			m.IncrementErrors()
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func boolToInt64(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func formatInt64(n int64) string  { return fmt.Sprintf("%d", n) }
func formatUint64(n uint64) string { return fmt.Sprintf("%d", n) }
func formatInt(n int) string       { return fmt.Sprintf("%d", n) }
func formatFloat64(n float64) string { return fmt.Sprintf("%.2f", n) }
