package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHealthChecker(t *testing.T) {
	checker := NewHealthChecker()
	assert.NotNil(t, checker)
	assert.NotNil(t, checker.checks)
	assert.Empty(t, checker.checks)
}

func TestHealthChecker_RegisterCheck(t *testing.T) {
	checker := NewHealthChecker()

	checkFunc := func(ctx context.Context) (Status, string) {
		return StatusHealthy, "OK"
	}

	checker.RegisterCheck("test-check", checkFunc, 30*time.Second)

	// Verify check was registered
	assert.Len(t, checker.checks, 1)
	assert.Contains(t, checker.checks, "test-check")

	check := checker.checks["test-check"]
	assert.Equal(t, "test-check", check.Name)
	assert.Equal(t, StatusHealthy, check.Status)
	assert.Equal(t, "not checked yet", check.Message)
	assert.Equal(t, 30*time.Second, check.Interval)
}

func TestHealthChecker_RegisterMultipleChecks(t *testing.T) {
	checker := NewHealthChecker()

	checks := []struct {
		name     string
		interval time.Duration
	}{
		{"sensor", 30 * time.Second},
		{"driver", 60 * time.Second},
		{"counter", 10 * time.Second},
		{"supervisor-uplink", 5 * time.Second},
	}

	for _, c := range checks {
		checker.RegisterCheck(c.name, func(ctx context.Context) (Status, string) {
			return StatusHealthy, "OK"
		}, c.interval)
	}

	assert.Len(t, checker.checks, 4)
	for _, c := range checks {
		assert.Contains(t, checker.checks, c.name)
	}
}

func TestHealthChecker_RunChecks(t *testing.T) {
	checker := NewHealthChecker()

	// Register checks with different statuses
	checker.RegisterCheck("healthy-check", func(ctx context.Context) (Status, string) {
		return StatusHealthy, "All good"
	}, time.Minute)

	checker.RegisterCheck("degraded-check", func(ctx context.Context) (Status, string) {
		return StatusDegraded, "Some issues"
	}, time.Minute)

	checker.RegisterCheck("unhealthy-check", func(ctx context.Context) (Status, string) {
		return StatusUnhealthy, "Critical error"
	}, time.Minute)

	ctx := context.Background()
	results := checker.RunChecks(ctx)

	assert.Len(t, results, 3)

	// Verify each check result
	assert.Equal(t, StatusHealthy, results["healthy-check"].Status)
	assert.Equal(t, "All good", results["healthy-check"].Message)

	assert.Equal(t, StatusDegraded, results["degraded-check"].Status)
	assert.Equal(t, "Some issues", results["degraded-check"].Message)

	assert.Equal(t, StatusUnhealthy, results["unhealthy-check"].Status)
	assert.Equal(t, "Critical error", results["unhealthy-check"].Message)

	// Verify LastCheck was updated
	for _, result := range results {
		assert.False(t, result.LastCheck.IsZero())
		assert.WithinDuration(t, time.Now(), result.LastCheck, time.Second)
	}
}

func TestHealthChecker_GetOverallStatus_AllHealthy(t *testing.T) {
	checker := NewHealthChecker()

	checker.RegisterCheck("check1", func(ctx context.Context) (Status, string) {
		return StatusHealthy, "OK"
	}, time.Minute)

	checker.RegisterCheck("check2", func(ctx context.Context) (Status, string) {
		return StatusHealthy, "OK"
	}, time.Minute)

	checker.RunChecks(context.Background())

	assert.Equal(t, StatusHealthy, checker.GetOverallStatus())
}

func TestHealthChecker_GetOverallStatus_WithDegraded(t *testing.T) {
	checker := NewHealthChecker()

	checker.RegisterCheck("healthy-check", func(ctx context.Context) (Status, string) {
		return StatusHealthy, "OK"
	}, time.Minute)

	checker.RegisterCheck("degraded-check", func(ctx context.Context) (Status, string) {
		return StatusDegraded, "Warning"
	}, time.Minute)

	checker.RunChecks(context.Background())

	assert.Equal(t, StatusDegraded, checker.GetOverallStatus())
}

func TestHealthChecker_GetOverallStatus_WithUnhealthy(t *testing.T) {
	checker := NewHealthChecker()

	checker.RegisterCheck("healthy-check", func(ctx context.Context) (Status, string) {
		return StatusHealthy, "OK"
	}, time.Minute)

	checker.RegisterCheck("degraded-check", func(ctx context.Context) (Status, string) {
		return StatusDegraded, "Warning"
	}, time.Minute)

	checker.RegisterCheck("unhealthy-check", func(ctx context.Context) (Status, string) {
		return StatusUnhealthy, "Critical"
	}, time.Minute)

	checker.RunChecks(context.Background())

	// Unhealthy takes precedence
	assert.Equal(t, StatusUnhealthy, checker.GetOverallStatus())
}

func TestHealthChecker_GetCheckResults(t *testing.T) {
	checker := NewHealthChecker()

	checker.RegisterCheck("test-check", func(ctx context.Context) (Status, string) {
		return StatusHealthy, "All good"
	}, time.Minute)

	checker.RunChecks(context.Background())

	results := checker.GetCheckResults()

	assert.Equal(t, StatusHealthy, results["status"])
	assert.NotNil(t, results["checks"])
	assert.NotNil(t, results["timestamp"])

	checks := results["checks"].([]map[string]interface{})
	assert.Len(t, checks, 1)
	assert.Equal(t, "test-check", checks[0]["name"])
	assert.Equal(t, StatusHealthy, checks[0]["status"])
	assert.Equal(t, "All good", checks[0]["message"])
}

func TestHealthChecker_ConcurrentAccess(t *testing.T) {
	checker := NewHealthChecker()

	checker.RegisterCheck("concurrent-check", func(ctx context.Context) (Status, string) {
		return StatusHealthy, "OK"
	}, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(3)

		go func() {
			defer wg.Done()
			checker.RunChecks(context.Background())
		}()

		go func() {
			defer wg.Done()
			checker.GetOverallStatus()
		}()

		go func() {
			defer wg.Done()
			checker.GetCheckResults()
		}()
	}

	wg.Wait()
	// Test passes if no race conditions occurred
}

func TestDeviceOnlineCheck_Healthy(t *testing.T) {
	checkFunc := DeviceOnlineCheck("sensor", func() bool { return true })
	status, message := checkFunc(context.Background())

	assert.Equal(t, StatusHealthy, status)
	assert.Contains(t, message, "sensor is online")
}

func TestDeviceOnlineCheck_Unhealthy(t *testing.T) {
	checkFunc := DeviceOnlineCheck("counter", func() bool { return false })
	status, message := checkFunc(context.Background())

	assert.Equal(t, StatusUnhealthy, status)
	assert.Contains(t, message, "counter")
	assert.Contains(t, message, "not responding")
}

func TestSerialLinkCheck_Healthy(t *testing.T) {
	checkFunc := SerialLinkCheck(func() int { return 0 }, 3, 10)
	status, _ := checkFunc(context.Background())
	assert.Equal(t, StatusHealthy, status)
}

func TestSerialLinkCheck_Degraded(t *testing.T) {
	checkFunc := SerialLinkCheck(func() int { return 5 }, 3, 10)
	status, message := checkFunc(context.Background())
	assert.Equal(t, StatusDegraded, status)
	assert.Contains(t, message, "5 consecutive")
}

func TestSerialLinkCheck_Unhealthy(t *testing.T) {
	checkFunc := SerialLinkCheck(func() int { return 12 }, 3, 10)
	status, message := checkFunc(context.Background())
	assert.Equal(t, StatusUnhealthy, status)
	assert.Contains(t, message, "12 consecutive")
}

func TestSupervisorUplinkCheck_Connected(t *testing.T) {
	checkFunc := SupervisorUplinkCheck(func() bool { return true })
	status, message := checkFunc(context.Background())
	assert.Equal(t, StatusHealthy, status)
	assert.Contains(t, message, "connected")
}

func TestSupervisorUplinkCheck_Disconnected(t *testing.T) {
	checkFunc := SupervisorUplinkCheck(func() bool { return false })
	status, message := checkFunc(context.Background())
	assert.Equal(t, StatusDegraded, status)
	assert.Contains(t, message, "disconnected")
}

func TestStatus_Values(t *testing.T) {
	assert.Equal(t, Status("healthy"), StatusHealthy)
	assert.Equal(t, Status("degraded"), StatusDegraded)
	assert.Equal(t, Status("unhealthy"), StatusUnhealthy)
}

func TestHealthChecker_StartPeriodicChecks(t *testing.T) {
	checker := NewHealthChecker()

	checkCount := 0
	var mu sync.Mutex

	checker.RegisterCheck("periodic-check", func(ctx context.Context) (Status, string) {
		mu.Lock()
		checkCount++
		mu.Unlock()
		return StatusHealthy, "OK"
	}, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())

	checker.StartPeriodicChecks(ctx)

	time.Sleep(200 * time.Millisecond)

	cancel()

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	finalCount := checkCount
	mu.Unlock()

	require.GreaterOrEqual(t, finalCount, 2, "expected at least 2 check runs")
}

func TestHealthChecker_EmptyChecks(t *testing.T) {
	checker := NewHealthChecker()

	assert.Equal(t, StatusHealthy, checker.GetOverallStatus())

	results := checker.RunChecks(context.Background())
	assert.Empty(t, results)

	checkResults := checker.GetCheckResults()
	assert.Equal(t, StatusHealthy, checkResults["status"])
	assert.Empty(t, checkResults["checks"])
}

func BenchmarkRunChecks(b *testing.B) {
	checker := NewHealthChecker()

	for i := 0; i < 10; i++ {
		checker.RegisterCheck("check-"+string(rune('a'+i)), func(ctx context.Context) (Status, string) {
			return StatusHealthy, "OK"
		}, time.Minute)
	}

	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		checker.RunChecks(ctx)
	}
}

func BenchmarkGetOverallStatus(b *testing.B) {
	checker := NewHealthChecker()

	for i := 0; i < 10; i++ {
		checker.RegisterCheck("check-"+string(rune('a'+i)), func(ctx context.Context) (Status, string) {
			return StatusHealthy, "OK"
		}, time.Minute)
	}

	checker.RunChecks(context.Background())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		checker.GetOverallStatus()
	}
}
