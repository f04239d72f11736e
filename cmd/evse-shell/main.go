// Command evse-shell is an interactive REPL around one connector's EVSE
// Orchestrator (§2.11), backed by the same ports/simtest adapters as
// cmd/evse-sim but driven by operator commands instead of a scripted
// simulation loop — for manually walking the state machine through
// plug-in, power request, current limit, pause, and stop. The auth
// command only sets the fake provider's next answer; no command submits
// a token or injects a fault.
//
// Grounded on cmd/mash-controller/interactive.go's command-loop shape
// (a struct holding the service plus one cmdXxx method per verb), with
// line editing upgraded from bufio to the chzyer/readline the teacher
// repo declares but never wires into its own shell.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/evse-go/evsecore/pkg/charger"
	"github.com/evse-go/evsecore/pkg/cpstate"
	"github.com/evse-go/evsecore/pkg/energy"
	evselog "github.com/evse-go/evsecore/pkg/log"
	"github.com/evse-go/evsecore/pkg/orchestrator"
	"github.com/evse-go/evsecore/pkg/ports"
	"github.com/evse-go/evsecore/pkg/ports/simtest"
	"github.com/evse-go/evsecore/pkg/session"
)

func main() {
	connector := flag.String("connector", "socket", "connector type: cable, socket")
	mode := flag.String("mode", "ac", "charge mode: ac, dc")
	flag.Parse()

	log.SetFlags(log.Ltime)

	chargeMode := session.ModeAC
	if *mode == "dc" {
		chargeMode = session.ModeDC
	}
	connectorType := session.ConnectorSocket
	if *connector == "cable" {
		connectorType = session.ConnectorCable
	}

	bsp := simtest.NewBSP()
	bsp.SetCapabilities(session.HardwareCapabilities{
		MaxCurrentImportA: 32,
		MinCurrentImportA: 6,
		MaxPhasesImport:   3,
	})
	meter := simtest.NewBillingMeter("shell-meter-1")
	auth := simtest.NewAuthProvider()

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

	logger := evselog.NewSlogAdapter(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn})))

	orchCfg := orchestrator.Config{
		ChargeMode:    chargeMode,
		ConnectorType: connectorType,
		Charger:       charger.DefaultConfig(),
		CPState:       cpstate.DefaultConfig(),
		Energy: energy.Config{
			SessionUUID: "evse-shell",
			ChargeMode:  chargeMode,
		},
	}
	orchCfg.Charger.ChargeMode = chargeMode
	orchCfg.Charger.ConnectorType = connectorType
	orchCfg.Charger.HLCEnabled = chargeMode == session.ModeDC

	deps := orchestrator.Deps{
		BSP:    bsp,
		Meters: []ports.BillingMeter{meter},
		Auth:   auth,
		Logger: logger,
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

	go o.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	shell := NewShell(o, bsp, meter, auth)
	shell.Run(ctx, cancel)
}
