// Command dashboardd boots the racing-dashboard runtime: loads the
// configuration, wires the signal bus, channel registry, math engine,
// alert/health monitors, lap timer and display state machine into an
// orchestrator, and runs its fixed tick loop until interrupted.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rakyury/racedash/internal/alert"
	"github.com/rakyury/racedash/internal/bus"
	"github.com/rakyury/racedash/internal/cansocket"
	"github.com/rakyury/racedash/internal/channel"
	"github.com/rakyury/racedash/internal/config"
	"github.com/rakyury/racedash/internal/display"
	"github.com/rakyury/racedash/internal/gpsserial"
	"github.com/rakyury/racedash/internal/ingress"
	"github.com/rakyury/racedash/internal/laptimer"
	"github.com/rakyury/racedash/internal/logger"
	mathengine "github.com/rakyury/racedash/internal/math"
	"github.com/rakyury/racedash/internal/metrics"
	"github.com/rakyury/racedash/internal/orchestrator"
	"github.com/rakyury/racedash/internal/telemetry"
	"github.com/rakyury/racedash/pkg/geo"
)

const (
	defaultConfigPath = "/etc/racedash/config.yaml"
	defaultTickPeriod = 10 * time.Millisecond
	ingressCapacity   = 512

	loggerPreTriggerCap = 500
	loggerWriteBufCap   = 4096
	loggerAutoFlush     = 2 * time.Second
	defaultLogDBPath    = "/var/lib/racedash/log.db"
	defaultLogDBBucket  = "samples"
	defaultGpsBaud      = 9600
)

var (
	configPath  = flag.String("config", defaultConfigPath, "path to the YAML configuration file")
	mqttBroker  = flag.String("broker", telemetry.DefaultBroker, "MQTT broker for cloud telemetry")
	mqttTopic   = flag.String("topic", telemetry.DefaultTopic, "MQTT telemetry topic")
	gpsPort     = flag.String("gps-port", "", "serial port for the GPS module (disabled if empty)")
	canIface    = flag.String("can-iface", "", "SocketCAN interface name (disabled if empty, linux only)")
	logDBPath   = flag.String("log-db", defaultLogDBPath, "path to the bbolt data logger database")
	metricsAddr = flag.String("metrics-addr", ":9090", "listen address for the /metrics endpoint (disabled if empty)")
)

func main() {
	flag.Parse()
	logger := log.New(os.Stdout, "dashboardd: ", log.LstdFlags)

	doc, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	signalBus := bus.New()
	ingressQueue := ingress.New(ingressCapacity)
	registry := channel.NewRegistry()

	registerChannels(registry, doc, logger)

	mathEngine := mathengine.New(registry)
	if err := mathEngine.Rebuild(); err != nil {
		logger.Fatalf("build math engine evaluation order: %v", err)
	}

	alertMonitor := alert.New(logger)
	healthMonitor := alert.NewHealthMonitor(logger, diagnosticLogSink{logger})
	registerAlerts(alertMonitor, healthMonitor, doc)

	lapTimer := laptimer.New()
	registerTracks(lapTimer, doc)

	displayMachine := display.New("default")
	registerScreens(displayMachine, doc)

	dataLogger := openDataLogger(*logDBPath, logger)

	if *gpsPort != "" {
		gpsReader, err := gpsserial.Open(*gpsPort, defaultGpsBaud, ingressQueue, logger)
		if err != nil {
			logger.Printf("gps serial disabled: %v", err)
		} else if err := gpsReader.Start(); err != nil {
			logger.Printf("gps serial start failed: %v", err)
		} else {
			defer gpsReader.Stop()
		}
	}

	if *canIface != "" {
		canSocket, err := cansocket.Open(*canIface, ingressQueue, logger)
		if err != nil {
			logger.Printf("can socket disabled: %v", err)
		} else {
			canSocket.Start()
			defer canSocket.Stop()
		}
	}

	orch := orchestrator.New(signalBus, ingressQueue, registry, mathEngine, alertMonitor, healthMonitor, lapTimer, displayMachine, dataLogger, nil, logger)
	orch.CanChannels = canRxChannels(doc)

	if *metricsAddr != "" {
		metricsReg := metrics.New()
		orch.UseMetrics(metricsReg)

		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsReg.Handler())
		metricsSrv := &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Printf("metrics server stopped: %v", err)
			}
		}()
		defer metricsSrv.Close()
	}

	telemetryPub := telemetry.NewPublisher(telemetry.Config{
		Broker:         *mqttBroker,
		ClientID:       telemetry.DefaultClientID,
		Topic:          *mqttTopic,
		UpdateInterval: telemetry.DefaultUpdateInterval,
	}, func() telemetry.Snapshot {
		return snapshotBus(signalBus)
	}, nil)

	if err := telemetryPub.Connect(); err != nil {
		logger.Printf("telemetry connect failed, continuing without cloud publish: %v", err)
	} else {
		telemetryPub.StartPublishing()
		defer telemetryPub.StopPublishing()
		defer telemetryPub.Disconnect()
	}

	watcher, err := config.NewWatcher(*configPath, func(doc *config.Document) error {
		logger.Println("config changed, reload deferred to next restart (hot-swap of live subsystems is not yet wired)")
		return nil
	})
	if err != nil {
		logger.Printf("config watch disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Println("shutting down")
		cancel()
	}()

	logger.Println("dashboardd running, press Ctrl+C to stop")
	if err := orchestrator.Run(ctx, orch, defaultTickPeriod); err != nil && ctx.Err() == nil {
		logger.Fatalf("orchestrator run: %v", err)
	}
}

// registerChannels installs every channel definition from the config
// document into the registry (spec.md §4.10).
func registerChannels(reg *channel.Registry, doc *config.Document, logger *log.Logger) {
	for _, cc := range doc.Channels {
		def := channel.Definition{
			ID:       cc.ID,
			Name:     cc.Name,
			Units:    cc.Units,
			Kind:     parseChannelKind(cc.Kind),
			Decimals: cc.Decimals,
			Enabled:  cc.Enabled,
			Analog:   cc.Analog,
			Digit:    cc.Digit,
			Can:      cc.Can,
			Logic:    cc.Logic,
		}
		if err := reg.Register(def); err != nil {
			logger.Printf("register channel %q: %v", cc.Name, err)
		}
	}
}

func parseChannelKind(s string) channel.Kind {
	switch s {
	case "AnalogIn":
		return channel.KindAnalogIn
	case "DigitalIn":
		return channel.KindDigitalIn
	case "CanRx":
		return channel.KindCanRx
	case "Logic":
		return channel.KindLogic
	case "GpsDerived":
		return channel.KindGpsDerived
	case "LapDerived":
		return channel.KindLapDerived
	case "System":
		return channel.KindSystem
	default:
		return channel.KindSystem
	}
}

func registerAlerts(am *alert.Monitor, hm *alert.HealthMonitor, doc *config.Document) {
	for _, ac := range doc.Alerts {
		r := alert.Rule{
			ID:            ac.ID,
			Message:       ac.Message,
			SignalName:    ac.SignalName,
			Threshold:     ac.Threshold,
			Comparator:    parseComparator(ac.Comparator),
			Severity:      parseSeverity(ac.Severity),
			LatchUntilAck: ac.LatchUntilAck,
			StaleMaxAgeMS: ac.StaleMaxAgeMS,
		}
		if r.Comparator == alert.CompStale {
			hm.Register(r)
		} else {
			am.Register(r)
		}
	}
}

func parseComparator(s string) alert.Comparator {
	switch s {
	case "lt":
		return alert.CompLT
	case "gt":
		return alert.CompGT
	case "lte":
		return alert.CompLTE
	case "gte":
		return alert.CompGTE
	case "stale":
		return alert.CompStale
	default:
		return alert.CompGT
	}
}

func parseSeverity(s string) alert.Severity {
	switch s {
	case "info":
		return alert.SeverityInfo
	case "critical":
		return alert.SeverityCritical
	default:
		return alert.SeverityWarn
	}
}

func registerTracks(lt *laptimer.Timer, doc *config.Document) {
	if len(doc.Tracks) == 0 {
		return
	}
	lt.LoadTrack(toTrack(doc.Tracks[0]))
}

func toTrack(t config.Track) *laptimer.Track {
	track := &laptimer.Track{
		Name:        t.Name,
		StartFinish: toLine(t.StartFinish),
	}
	for _, s := range t.Sectors {
		track.Sectors = append(track.Sectors, toLine(s))
	}
	return track
}

func toLine(l config.TrackLine) geo.Line {
	return geo.Line{
		P1:              geo.Point{Lat: l.Lat1, Lon: l.Lon1},
		P2:              geo.Point{Lat: l.Lat2, Lon: l.Lon2},
		RadiusM:         l.RadiusM,
		RequiredHeading: l.RequiredHeading,
		ToleranceDeg:    l.ToleranceDeg,
	}
}

func registerScreens(dm *display.Machine, doc *config.Document) {
	for i, s := range doc.Screens {
		screenID := s.ID
		priority := len(doc.Screens) - i
		bindings := s.Bindings
		dm.RegisterRule(display.Rule{
			ID:           s.ID,
			Priority:     priority,
			TargetScreen: screenID,
			Predicate:    thresholdPredicate(bindings),
		})
	}
}

// thresholdPredicate surfaces a screen automatically once any of its
// bound widgets crosses its configured warn/critical threshold (spec.md
// §4.10: "widget instances with data bindings and thresholds"). A
// threshold of exactly 0 is treated as unconfigured.
func thresholdPredicate(bindings []config.WidgetBinding) display.Predicate {
	return func(b display.BusReader) bool {
		for _, binding := range bindings {
			value, ok := b.GetNumeric(binding.ChannelName)
			if !ok {
				continue
			}
			if binding.CriticalAt != 0 && value >= binding.CriticalAt {
				return true
			}
			if binding.WarnAt != 0 && value >= binding.WarnAt {
				return true
			}
		}
		return false
	}
}

type diagnosticLogSink struct {
	logger *log.Logger
}

func (d diagnosticLogSink) Diagnostic(line string) {
	d.logger.Printf("[diagnostic] %s", line)
}

func snapshotBus(b *bus.Bus) telemetry.Snapshot {
	snap := telemetry.Snapshot{
		Numeric: make(map[string]float64),
		Digital: make(map[string]bool),
	}
	b.ForEachNumeric(func(name string, value float64, ts uint64, valid bool) {
		if !valid {
			return
		}
		snap.Numeric[name] = value
		if ts > snap.TimestampMS {
			snap.TimestampMS = ts
		}
	})
	b.ForEachDigital(func(name string, value bool, ts uint64, valid bool) {
		if valid {
			snap.Digital[name] = value
		}
	})
	return snap
}

// canRxChannels builds the orchestrator's CAN decode table from every
// CanRx channel in the config document.
func canRxChannels(doc *config.Document) []orchestrator.CanRxChannel {
	var out []orchestrator.CanRxChannel
	for _, cc := range doc.Channels {
		if cc.Kind != "CanRx" {
			continue
		}
		out = append(out, orchestrator.CanRxChannel{
			ChannelID: cc.ID,
			MessageID: cc.Can.MessageID,
			Extended:  cc.Can.Extended,
			StartBit:  cc.Can.StartBit,
			BitLength: cc.Can.BitLength,
			DataType:  cc.Can.DataType,
			ByteOrder: cc.Can.ByteOrder,
			Scale:     cc.Can.Scale,
			Offset:    cc.Can.Offset,
		})
	}
	return out
}

// openDataLogger opens the bbolt-backed log sink and returns the data
// logger as the orchestrator's LogSweeper. Returns a nil interface (not
// a typed-nil *logger.Logger) if the sink cannot be opened, so the
// orchestrator's "if o.Logger != nil" guard works correctly.
func openDataLogger(path string, logOut *log.Logger) orchestrator.LogSweeper {
	sink, err := logger.OpenBoltSink(path, defaultLogDBBucket, logger.FormatBinary)
	if err != nil {
		logOut.Printf("data logger disabled: %v", err)
		return nil
	}
	return logger.New(loggerPreTriggerCap, loggerWriteBufCap, loggerAutoFlush, logger.FormatBinary, sink)
}
