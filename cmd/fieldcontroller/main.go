// Command fieldcontroller runs the Field Controller tier: it owns the
// RS-485 field bus, polls the sensor/driver/counter slaves, runs the AUTO
// engine and Command Router, and serves the Register Image to Modbus TCP
// masters and the JSON control/status surface.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/sioux-steel/modbus-gateway/internal/autoengine"
	"github.com/sioux-steel/modbus-gateway/internal/bus"
	"github.com/sioux-steel/modbus-gateway/internal/config"
	"github.com/sioux-steel/modbus-gateway/internal/dashboardbridge"
	"github.com/sioux-steel/modbus-gateway/internal/devicedriver"
	"github.com/sioux-steel/modbus-gateway/internal/envelope"
	"github.com/sioux-steel/modbus-gateway/internal/health"
	"github.com/sioux-steel/modbus-gateway/internal/housekeeping"
	"github.com/sioux-steel/modbus-gateway/internal/jsonserver"
	"github.com/sioux-steel/modbus-gateway/internal/logger"
	"github.com/sioux-steel/modbus-gateway/internal/metrics"
	"github.com/sioux-steel/modbus-gateway/internal/modbustcp"
	"github.com/sioux-steel/modbus-gateway/internal/registers"
	"github.com/sioux-steel/modbus-gateway/internal/router"
	"github.com/sioux-steel/modbus-gateway/internal/serialbus"
)

// Version is stamped by the release build; left as a dev default here.
var Version = "0.1.0"

// Options are the command-line overrides layered on top of config.Load.
// Anything left unset here falls back to the YAML file / environment /
// built-in defaults resolved by internal/config.
type Options struct {
	ConfigPath  string `long:"config" description:"Path to the YAML config file"`
	LogLevel    string `long:"log-level" description:"Override logger.level (debug, info, warn, error)"`
	LogDir      string `long:"log-dir" description:"Directory for rotated JSON log files (empty disables file logging)"`
	Dashboard   string `long:"dashboard-addr" description:"Optional dashboard bridge listen address, e.g. :8090 (empty disables it)"`
}

func main() {
	var opts Options
	if _, err := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash).Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	loader, err := config.Load(opts.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fieldcontroller: config: %v\n", err)
		os.Exit(1)
	}
	cfg := loader.Current()
	if opts.LogLevel != "" {
		cfg.Logger.Level = opts.LogLevel
	}

	eventBus := bus.New()
	logger.SetBus(eventBus)

	logCfg := logger.DefaultConfig()
	logCfg.Level = cfg.Logger.Level
	logCfg.Format = cfg.Logger.Format
	logCfg.LogDir = opts.LogDir
	if err := logger.Init(logCfg); err != nil {
		fmt.Fprintf(os.Stderr, "fieldcontroller: logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	log := logger.Sugar()
	log.Infow("fieldcontroller starting", "version", Version)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	serialBus, err := serialbus.Open(serialbus.Config{
		Port:     cfg.Serial.Port,
		BaudRate: cfg.Serial.Baud,
		DataBits: 8,
		StopBits: 1,
		Parity:   cfg.Serial.Parity,
	})
	if err != nil {
		log.Fatalw("failed to open field bus", "port", cfg.Serial.Port, "err", err)
	}
	defer serialBus.Close()

	driver := devicedriver.New(serialBus, devicedriver.Config{
		SlaveSensor:  cfg.RTU.SlaveSensor,
		SlaveDriver:  cfg.RTU.SlaveDriver,
		SlaveCounter: cfg.RTU.SlaveCounter,
	})

	img := registers.New()

	counters := housekeeping.NewCounters()
	housekeepingSvc := housekeeping.New(counters, log)
	if err := housekeepingSvc.Start(); err != nil {
		log.Errorw("housekeeping failed to start", "err", err)
	}
	defer housekeepingSvc.Stop()

	m := metrics.NewMetrics()

	// Engine and Router depend on each other (Engine submits MOVE_ABS
	// through the Router; Router forces the Engine into Alarm on an
	// EMERGENCY). routerHandle breaks the construction cycle: the Engine
	// is built first against a handle whose target is filled in once the
	// Router exists.
	rHandle := &routerHandle{}
	engine := autoengine.New(driver, rHandle, img, log).
		WithTickInterval(time.Duration(cfg.Auto.TickMs) * time.Millisecond).
		WithMotorTimeout(time.Duration(cfg.Auto.MotorTimeoutS) * time.Second)

	cmdRouter := router.New(driver, img, engine, counters, log)
	rHandle.target = cmdRouter

	go engine.Run(ctx)
	go cmdRouter.RunManualWatcher(ctx)

	consecutiveFailures := newFailureTracker()

	healthChecker := health.NewHealthChecker()
	healthChecker.RegisterCheck("sensor", health.DeviceOnlineCheck("sensor", func() bool {
		return driver.Current().SensorOnline
	}), 30*time.Second)
	healthChecker.RegisterCheck("driver", health.DeviceOnlineCheck("driver", func() bool {
		return driver.Current().DriverOnline
	}), 30*time.Second)
	healthChecker.RegisterCheck("counter", health.DeviceOnlineCheck("counter", func() bool {
		return driver.Current().CounterOnline
	}), 30*time.Second)
	healthChecker.RegisterCheck("serial-link", health.SerialLinkCheck(consecutiveFailures.count, 3, 10), 10*time.Second)
	healthChecker.StartPeriodicChecks(ctx)

	tcpServer, err := modbustcp.Listen(fmt.Sprintf("0.0.0.0:%d", cfg.TCP.ModbusPort), img)
	if err != nil {
		log.Fatalw("failed to start modbus tcp server", "err", err)
	}
	defer tcpServer.Close()
	go func() {
		if err := tcpServer.Serve(ctx); err != nil && ctx.Err() == nil {
			log.Errorw("modbus tcp server stopped", "err", err)
		}
	}()

	jsonSrv, err := jsonserver.Listen(fmt.Sprintf("0.0.0.0:%d", cfg.TCP.JSONPort), img, cmdRouter, log)
	if err != nil {
		log.Fatalw("failed to start json server", "err", err)
	}
	defer jsonSrv.Close()
	go func() {
		if err := jsonSrv.Serve(ctx); err != nil && ctx.Err() == nil {
			log.Errorw("json server stopped", "err", err)
		}
	}()

	var dashSrv *http.Server
	if opts.Dashboard != "" {
		hub := dashboardbridge.NewHub(eventBus)
		stop := make(chan struct{})
		go hub.Run(stop)
		dashSrv = &http.Server{Addr: opts.Dashboard, Handler: metrics.Middleware(m, hub)}
		go func() {
			log.Infow("dashboard bridge listening", "addr", opts.Dashboard)
			if err := dashSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorw("dashboard bridge stopped", "err", err)
			}
		}()
		defer func() {
			close(stop)
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer shutdownCancel()
			dashSrv.Shutdown(shutdownCtx)
		}()
	}

	loader.OnReload(func(hot config.HotReloadable) {
		engine.WithTickInterval(time.Duration(hot.AutoTickMs) * time.Millisecond)
		engine.WithMotorTimeout(time.Duration(hot.AutoMotorTimeout) * time.Second)
		log.Infow("hot config reload applied", "auto_tick_ms", hot.AutoTickMs, "log_level", hot.LoggerLevel)
	})
	if err := loader.Watch(); err != nil {
		log.Warnw("config watch failed, hot-reload disabled", "err", err)
	}

	pollInterval := time.Duration(cfg.Poll.DeviceMs) * time.Millisecond
	runPollLoop(ctx, driver, img, engine, jsonSrv, m, counters, eventBus, consecutiveFailures, pollInterval)

	log.Infow("fieldcontroller shutting down")
}

// runPollLoop ticks at pollInterval, polling the field devices, publishing
// the resulting Snapshot into the Register Image and the snapshot bus
// topic, and feeding the housekeeping counters and metrics gauges.
func runPollLoop(
	ctx context.Context,
	driver *devicedriver.Driver,
	img *registers.Image,
	engine *autoengine.Engine,
	jsonSrv *jsonserver.Server,
	m *metrics.Metrics,
	counters *housekeeping.Counters,
	eventBus *bus.Bus,
	failures *failureTracker,
	interval time.Duration,
) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := driver.Poll(ctx)

			allOffline := !snap.SensorOnline && !snap.DriverOnline && !snap.CounterOnline
			if allOffline {
				counters.PollFailed()
				m.IncrementFailedPolls()
				failures.fail()
			} else {
				counters.PollOK()
				m.IncrementPolls()
				failures.ok()
			}

			m.SetDeviceOnline(snap.SensorOnline, snap.DriverOnline, snap.CounterOnline)

			img.PublishSnapshot(snap, uint16(engine.State()), false, 0)
			eventBus.Publish(bus.TopicSnapshot, snap)
			jsonSrv.BroadcastStatus(snap)
		}
	}
}

// failureTracker counts consecutive fully-offline poll cycles for
// health.SerialLinkCheck, without internal/serialbus needing to expose a
// failure counter of its own.
type failureTracker struct {
	n int
}

func newFailureTracker() *failureTracker { return &failureTracker{} }

func (f *failureTracker) fail()      { f.n++ }
func (f *failureTracker) ok()        { f.n = 0 }
func (f *failureTracker) count() int { return f.n }

// routerHandle implements autoengine.CommandSubmitter by forwarding to a
// *router.Router filled in after construction, breaking the Engine/Router
// construction cycle.
type routerHandle struct {
	target *router.Router
}

func (h *routerHandle) Submit(env envelope.Envelope) error {
	return h.target.Submit(env)
}
