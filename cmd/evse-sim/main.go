// Command evse-sim runs one connector's full EVSE Orchestrator (§2.11)
// against in-memory ports/simtest adapters instead of real hardware,
// driving a repeating plug-in/power-request/meter-reading/unplug cycle
// (with no authorization step) so the state machine, error aggregator,
// and energy translator can be observed without a BSP, HLC stack, or
// meter attached.
//
// Usage:
//
//	go run ./cmd/evse-sim
//	go run ./cmd/evse-sim -mode dc -connector socket -log-level debug
//
// Grounded on the teacher's cmd/evse-example/main.go (device-model
// construction, SIGINT/SIGTERM shutdown, a background simulation
// goroutine) and cmd/mash-controller/main.go (flag-bound Config,
// setupLogging).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/evse-go/evsecore/pkg/charger"
	"github.com/evse-go/evsecore/pkg/cpstate"
	"github.com/evse-go/evsecore/pkg/energy"
	evselog "github.com/evse-go/evsecore/pkg/log"
	"github.com/evse-go/evsecore/pkg/orchestrator"
	"github.com/evse-go/evsecore/pkg/ports"
	"github.com/evse-go/evsecore/pkg/ports/simtest"
	"github.com/evse-go/evsecore/pkg/session"
	"github.com/evse-go/evsecore/pkg/store"
)

// Config holds the simulator's command-line configuration.
type Config struct {
	Connector string
	Mode      string
	Phases    int
	MaxAmps   float64
	VoltageV  float64
	LogLevel  string
	StateDir  string
	MDNS      bool
	MDNSPort  int
}

var cfg Config

func init() {
	flag.StringVar(&cfg.Connector, "connector", "socket", "connector type: cable, socket")
	flag.StringVar(&cfg.Mode, "mode", "ac", "charge mode: ac, dc")
	flag.IntVar(&cfg.Phases, "phases", 3, "AC phase count")
	flag.Float64Var(&cfg.MaxAmps, "max-current", 32, "hardware max current per phase (A)")
	flag.Float64Var(&cfg.VoltageV, "voltage", 230, "AC nominal voltage (V)")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "log level: debug, info, warn, error")
	flag.StringVar(&cfg.StateDir, "state-dir", "", "directory for persistent session state (empty disables persistence)")
	flag.BoolVar(&cfg.MDNS, "mdns", false, "advertise this connector via mDNS")
	flag.IntVar(&cfg.MDNSPort, "mdns-port", 8080, "port published in the mDNS TXT record")
}

func main() {
	flag.Parse()
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	chargeMode := session.ModeAC
	if cfg.Mode == "dc" {
		chargeMode = session.ModeDC
	}
	connector := session.ConnectorSocket
	if cfg.Connector == "cable" {
		connector = session.ConnectorCable
	}

	bsp := simtest.NewBSP()
	bsp.SetCapabilities(session.HardwareCapabilities{
		MaxCurrentImportA: cfg.MaxAmps,
		MinCurrentImportA: 6,
		MaxPhasesImport:   cfg.Phases,
		MaxCurrentExportA: 0,
	})

	meter := simtest.NewBillingMeter("sim-meter-1")
	auth := simtest.NewAuthProvider()
	energyManager := simtest.NewEnergyManager()
	reservationSink := simtest.NewReservationSink()

	var hlc *simtest.HLC
	var psu *simtest.PowerSupply
	var imd *simtest.IsolationMonitor
	if chargeMode == session.ModeDC {
		hlc = simtest.NewHLC()
		psu = simtest.NewPowerSupply(session.PowerSupplyCapabilities{
			MaxExportCurrentA: 125,
			MaxExportPowerW:   50000,
			MaxExportVoltageV: 500,
			MinExportVoltageV: 50,
		})
		imd = simtest.NewIsolationMonitor()
	}

	var persistentStore ports.PersistentStore
	if cfg.StateDir != "" {
		if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
			log.Fatalf("create state dir: %v", err)
		}
		persistentStore = store.NewJSONFileStore(cfg.StateDir + "/session.json")
	}

	logger := evselog.NewSlogAdapter(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))

	orchCfg := orchestrator.Config{
		ChargeMode:    chargeMode,
		ConnectorType: connector,
		Charger:       charger.DefaultConfig(),
		CPState:       cpstate.DefaultConfig(),
		Energy: energy.Config{
			SessionUUID:       "evse-sim",
			ChargeMode:        chargeMode,
			ACNominalVoltageV: cfg.VoltageV,
			ACPhaseCount:      cfg.Phases,
			ScheduleInterval:  time.Second,
		},
		Diagnostics: orchestrator.DiagnosticsConfig{
			Enabled:      cfg.MDNS,
			DeviceID:     "evse-sim-001",
			VendorName:   "evse-go",
			SerialNumber: "SIM-001",
			Port:         cfg.MDNSPort,
		},
	}
	orchCfg.Charger.ChargeMode = chargeMode
	orchCfg.Charger.ConnectorType = connector
	orchCfg.Charger.HLCEnabled = chargeMode == session.ModeDC

	deps := orchestrator.Deps{
		BSP:           bsp,
		Meters:        []ports.BillingMeter{meter},
		EnergyManager: energyManager,
		Auth:          auth,
		Store:         persistentStore,
		Reservation:   reservationSink,
		Logger:        logger,
		Publisher:     session.PublisherFunc(logSessionEvent),
	}
	if hlc != nil {
		deps.HLC = hlc
	}
	if psu != nil {
		deps.PowerSupply = psu
	}
	if imd != nil {
		deps.IMD = imd
	}

	o := orchestrator.New(orchCfg, deps)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go o.Run(ctx)
	go runSimulation(ctx, bsp, meter, chargeMode)

	log.Printf("evse-sim running (mode=%s connector=%s phases=%d)", cfg.Mode, cfg.Connector, cfg.Phases)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("shutting down...")
	cancel()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func logSessionEvent(e session.SessionEvent) {
	fmt.Printf("[EVENT] %s (uuid=%s)\n", e.Kind, e.UUID)
}
