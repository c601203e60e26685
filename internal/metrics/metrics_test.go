package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
	if m.startTime.IsZero() {
		t.Error("start time not set")
	}
}

func TestIncrementPolls(t *testing.T) {
	m := NewMetrics()
	m.IncrementPolls()
	m.IncrementPolls()
	if m.TotalPolls != 2 {
		t.Errorf("expected TotalPolls 2, got %d", m.TotalPolls)
	}
}

func TestIncrementFailedPolls(t *testing.T) {
	m := NewMetrics()
	m.IncrementFailedPolls()
	if m.FailedPolls != 1 {
		t.Errorf("expected FailedPolls 1, got %d", m.FailedPolls)
	}
}

func TestIncrementCommands(t *testing.T) {
	m := NewMetrics()
	m.IncrementCommands()
	m.IncrementCommands()
	m.IncrementCommands()
	if m.TotalCommands != 3 {
		t.Errorf("expected TotalCommands 3, got %d", m.TotalCommands)
	}
}

func TestIncrementDroppedCommands(t *testing.T) {
	m := NewMetrics()
	m.IncrementDroppedCommands()
	if m.DroppedCommands != 1 {
		t.Errorf("expected DroppedCommands 1, got %d", m.DroppedCommands)
	}
}

func TestSetDeviceOnline(t *testing.T) {
	m := NewMetrics()
	m.SetDeviceOnline(true, false, true)
	if m.SensorOnline != 1 {
		t.Errorf("expected SensorOnline 1, got %d", m.SensorOnline)
	}
	if m.DriverOnline != 0 {
		t.Errorf("expected DriverOnline 0, got %d", m.DriverOnline)
	}
	if m.CounterOnline != 1 {
		t.Errorf("expected CounterOnline 1, got %d", m.CounterOnline)
	}
}

func TestSetModbusTCPConnections(t *testing.T) {
	m := NewMetrics()
	m.SetModbusTCPConnections(3)
	if m.ModbusTCPConnections != 3 {
		t.Errorf("expected ModbusTCPConnections 3, got %d", m.ModbusTCPConnections)
	}
}

func TestSetJSONClientConnected(t *testing.T) {
	m := NewMetrics()
	m.SetJSONClientConnected(true)
	if m.JSONClientConnected != 1 {
		t.Errorf("expected JSONClientConnected 1, got %d", m.JSONClientConnected)
	}
}

func TestRecordResponseTime(t *testing.T) {
	m := NewMetrics()

	m.RecordResponseTime(100 * time.Millisecond)
	if m.AvgResponseTime == 0 {
		t.Error("expected AvgResponseTime to be set")
	}

	first := m.AvgResponseTime
	m.RecordResponseTime(200 * time.Millisecond)
	if m.AvgResponseTime == first {
		t.Error("expected AvgResponseTime to change")
	}
}

func TestUpdateSystemMetrics(t *testing.T) {
	m := NewMetrics()
	m.startTime = time.Now().Add(-2 * time.Second)

	m.UpdateSystemMetrics()

	if m.Uptime == 0 {
		t.Error("expected Uptime to be greater than 0")
	}
	if m.MemoryUsed == 0 {
		t.Error("expected MemoryUsed to be greater than 0")
	}
	if m.GoroutineCount == 0 {
		t.Error("expected GoroutineCount to be greater than 0")
	}
}

func TestGetMetrics(t *testing.T) {
	m := NewMetrics()
	m.IncrementPolls()
	m.IncrementCommands()

	snapshot := m.GetMetrics()
	if snapshot == nil {
		t.Fatal("GetMetrics returned nil")
	}

	polls, ok := snapshot["polls"].(map[string]interface{})
	if !ok {
		t.Fatal("polls not found in metrics")
	}
	if polls["total"] != int64(1) {
		t.Errorf("expected polls.total 1, got %v", polls["total"])
	}

	commands, ok := snapshot["commands"].(map[string]interface{})
	if !ok {
		t.Fatal("commands not found in metrics")
	}
	if commands["total"] != int64(1) {
		t.Errorf("expected commands.total 1, got %v", commands["total"])
	}
}

func TestPrometheusFormat(t *testing.T) {
	m := NewMetrics()
	m.IncrementPolls()
	m.IncrementCommands()

	output := m.PrometheusFormat()
	if output == "" {
		t.Error("PrometheusFormat returned empty string")
	}

	if !strings.Contains(output, "modbus_gateway_polls_total") {
		t.Error("expected modbus_gateway_polls_total in Prometheus output")
	}
	if !strings.Contains(output, "modbus_gateway_commands_total") {
		t.Error("expected modbus_gateway_commands_total in Prometheus output")
	}
}

func TestMiddlewareRecordsRequestsAndErrors(t *testing.T) {
	m := NewMetrics()

	handler := Middleware(m, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if m.TotalRequests != 1 {
		t.Errorf("expected TotalRequests 1, got %d", m.TotalRequests)
	}
	if m.TotalErrors != 1 {
		t.Errorf("expected TotalErrors 1, got %d", m.TotalErrors)
	}
}

func TestMiddlewarePassesThroughSuccess(t *testing.T) {
	m := NewMetrics()

	handler := Middleware(m, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if m.TotalRequests != 1 {
		t.Errorf("expected TotalRequests 1, got %d", m.TotalRequests)
	}
	if m.TotalErrors != 0 {
		t.Errorf("expected TotalErrors 0, got %d", m.TotalErrors)
	}
}

func BenchmarkIncrementPolls(b *testing.B) {
	m := NewMetrics()
	for i := 0; i < b.N; i++ {
		m.IncrementPolls()
	}
}

func BenchmarkRecordResponseTime(b *testing.B) {
	m := NewMetrics()
	for i := 0; i < b.N; i++ {
		m.RecordResponseTime(100 * time.Millisecond)
	}
}

func BenchmarkGetMetrics(b *testing.B) {
	m := NewMetrics()
	m.IncrementPolls()
	m.IncrementCommands()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.GetMetrics()
	}
}
