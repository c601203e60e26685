// Command supervisor runs the Supervisor tier: it polls a remote Field
// Controller as a Modbus TCP client, fans its status out to JSON
// subscribers and optional MQTT telemetry, and translates JSON commands
// back into MANUAL packets written at the remote Field Controller.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/sioux-steel/modbus-gateway/internal/bus"
	"github.com/sioux-steel/modbus-gateway/internal/config"
	"github.com/sioux-steel/modbus-gateway/internal/devicedriver"
	"github.com/sioux-steel/modbus-gateway/internal/health"
	"github.com/sioux-steel/modbus-gateway/internal/housekeeping"
	"github.com/sioux-steel/modbus-gateway/internal/jsonserver"
	"github.com/sioux-steel/modbus-gateway/internal/logger"
	"github.com/sioux-steel/modbus-gateway/internal/metrics"
	"github.com/sioux-steel/modbus-gateway/internal/supervisor"
)

// Version is stamped by the release build; left as a dev default here.
var Version = "0.1.0"

// Options are the command-line overrides for the Supervisor tier. Unlike
// fieldcontroller, the remote address and MQTT broker are runtime-only
// concerns rather than something internal/config models, since a single
// Supervisor config group would be a poor fit for the Field Controller's
// own YAML schema.
type Options struct {
	ConfigPath   string `long:"config" description:"Path to the YAML config file (poll/logger sections only)"`
	LogLevel     string `long:"log-level" description:"Override logger.level (debug, info, warn, error)"`
	LogDir       string `long:"log-dir" description:"Directory for rotated JSON log files (empty disables file logging)"`
	RemoteAddr   string `long:"remote-addr" required:"true" description:"Field Controller Modbus TCP address, host:port"`
	JSONAddr     string `long:"json-addr" description:"Listen address for the JSON status/control surface"`
	MQTTBroker   string `long:"mqtt-broker" description:"Optional MQTT broker URL for telemetry fan-out (empty disables MQTT)"`
	MQTTTopic    string `long:"mqtt-topic" default:"modbus-gateway/supervisor/status" description:"MQTT topic for telemetry fan-out"`
	MQTTClientID string `long:"mqtt-client-id" default:"modbus-gateway-supervisor" description:"MQTT client id"`
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
		fmt.Fprintf(os.Stderr, "supervisor: config: %v\n", err)
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
		fmt.Fprintf(os.Stderr, "supervisor: logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	log := logger.Sugar()
	log.Infow("supervisor starting", "version", Version, "remote_addr", opts.RemoteAddr)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var mqttCfg *supervisor.MQTTConfig
	if opts.MQTTBroker != "" {
		mqttCfg = &supervisor.MQTTConfig{
			BrokerURL: opts.MQTTBroker,
			ClientID:  opts.MQTTClientID,
			Topic:     opts.MQTTTopic,
		}
	}

	relay := supervisor.New(supervisor.Config{
		Addr:         opts.RemoteAddr,
		PollInterval: time.Duration(cfg.Poll.SupervisorMs) * time.Millisecond,
		MQTT:         mqttCfg,
	}, log)

	counters := housekeeping.NewCounters()
	housekeepingSvc := housekeeping.New(counters, log)
	if err := housekeepingSvc.Start(); err != nil {
		log.Errorw("housekeeping failed to start", "err", err)
	}
	defer housekeepingSvc.Stop()

	m := metrics.NewMetrics()

	healthChecker := health.NewHealthChecker()
	uplinkUp := make(chan bool, 1)
	connected := false
	healthChecker.RegisterCheck("supervisor-uplink", health.SupervisorUplinkCheck(func() bool {
		select {
		case v := <-uplinkUp:
			connected = v
		default:
		}
		return connected
	}), 10*time.Second)
	healthChecker.StartPeriodicChecks(ctx)

	jsonAddr := opts.JSONAddr
	if jsonAddr == "" {
		jsonAddr = fmt.Sprintf("0.0.0.0:%d", cfg.TCP.JSONPort)
	}
	jsonSrv, err := jsonserver.Listen(jsonAddr, relay, relay, log)
	if err != nil {
		log.Fatalw("failed to start json server", "err", err)
	}
	defer jsonSrv.Close()
	go func() {
		if err := jsonSrv.Serve(ctx); err != nil && ctx.Err() == nil {
			log.Errorw("json server stopped", "err", err)
		}
	}()

	go relay.Run(ctx)

	loader.OnReload(func(hot config.HotReloadable) {
		log.Infow("hot config reload applied", "log_level", hot.LoggerLevel)
	})
	if err := loader.Watch(); err != nil {
		log.Warnw("config watch failed, hot-reload disabled", "err", err)
	}

	statusCh := relay.Subscribe()
	for {
		select {
		case <-ctx.Done():
			log.Infow("supervisor shutting down")
			return
		case status := <-statusCh:
			if status.Connected {
				counters.PollOK()
				m.IncrementPolls()
			} else {
				counters.PollFailed()
				m.IncrementFailedPolls()
			}
			select {
			case uplinkUp <- status.Connected:
			default:
				<-uplinkUp
				uplinkUp <- status.Connected
			}

			eventBus.Publish(bus.TopicSnapshot, status)
			jsonSrv.BroadcastStatus(statusToSnapshot(status))
		}
	}
}

// statusToSnapshot reshapes a polled supervisor.Status back into a
// devicedriver.Snapshot so the Field Controller's JSON status wire format
// can be reused unmodified on the Supervisor tier.
func statusToSnapshot(s supervisor.Status) devicedriver.Snapshot {
	return devicedriver.Snapshot{
		Position:           s.Position,
		Speed:              s.Speed,
		TemperatureTenthsC: int16(s.Temperature * 10),
		HumidityTenthsPct:  uint16(s.Humidity * 10),
		Alarm:              s.DriverAlarm,
		InPosition:         s.DriverInPos,
		Running:            s.DriverRunning,
		CounterValue:       s.CounterValue,
		CounterTarget:      s.CounterTarget,
		SensorOnline:       s.Connected,
		DriverOnline:       s.Connected,
		CounterOnline:      s.Connected,
		Timestamp:          s.Timestamp,
	}
}
