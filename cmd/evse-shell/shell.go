package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/evse-go/evsecore/pkg/orchestrator"
	"github.com/evse-go/evsecore/pkg/ports/simtest"
	"github.com/evse-go/evsecore/pkg/session"
)

// Shell is the interactive command handler for evse-shell.
type Shell struct {
	orch  *orchestrator.Orchestrator
	bsp   *simtest.BSP
	meter *simtest.BillingMeter
	auth  *simtest.AuthProvider
}

// NewShell creates a Shell wired to the given orchestrator and fakes.
func NewShell(orch *orchestrator.Orchestrator, bsp *simtest.BSP, meter *simtest.BillingMeter, auth *simtest.AuthProvider) *Shell {
	return &Shell{orch: orch, bsp: bsp, meter: meter, auth: auth}
}

// Run starts the read-eval-print loop, blocking until ctx is cancelled
// or the user quits.
func (s *Shell) Run(ctx context.Context, cancel context.CancelFunc) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "evse> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		fmt.Printf("readline init failed: %v\n", err)
		return
	}
	defer rl.Close()

	s.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				continue
			}
			continue
		} else if err == io.EOF {
			cancel()
			return
		} else if err != nil {
			continue
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		cmd := strings.ToLower(fields[0])
		args := fields[1:]

		switch cmd {
		case "help", "?":
			s.printHelp()
		case "plug":
			s.cmdPlug()
		case "request":
			s.cmdRequest()
		case "unplug":
			s.cmdUnplug()
		case "auth":
			s.cmdAuth(args)
		case "limit":
			s.cmdLimit(args)
		case "pause":
			s.orch.Charger.RequestPauseByEVSE()
			fmt.Println("pause requested")
		case "stop":
			s.orch.Charger.Stop(session.StopReasonLocal)
			fmt.Println("stop requested")
		case "status":
			s.cmdStatus()
		case "quit", "exit", "q":
			fmt.Println("exiting...")
			cancel()
			return
		default:
			fmt.Printf("unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (s *Shell) printHelp() {
	fmt.Println(`
EVSE Shell Commands:
  plug              - simulate EV plug-in (CP state B)
  request           - simulate EV power request (CP state C)
  unplug            - simulate EV unplug (CP state A)
  auth [accept|deny] - set whether the next authorization is accepted
  limit <amps>      - set the charger's max current
  pause             - request an EVSE-side pause
  stop              - stop the current session
  status            - show charger state
  help              - show this help
  quit              - exit the shell`)
}

func (s *Shell) cmdPlug() {
	s.bsp.SimulateCPState(session.CPStateB)
	fmt.Println("EV plugged in")
}

func (s *Shell) cmdRequest() {
	s.bsp.SimulateCPState(session.CPStateC)
	fmt.Println("EV requested power")
}

func (s *Shell) cmdUnplug() {
	s.bsp.SimulateCPState(session.CPStateA)
	fmt.Println("EV unplugged")
}

func (s *Shell) cmdAuth(args []string) {
	accept := true
	if len(args) > 0 && strings.EqualFold(args[0], "deny") {
		accept = false
	}
	s.auth.SetAccept(accept)
	fmt.Printf("next authorization will be %s\n", map[bool]string{true: "accepted", false: "denied"}[accept])
}

func (s *Shell) cmdLimit(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: limit <amps>")
		return
	}
	amps, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		fmt.Printf("invalid amps: %v\n", err)
		return
	}
	s.orch.Charger.SetMaxCurrent(amps)
	fmt.Printf("max current set to %.1fA\n", amps)
}

func (s *Shell) cmdStatus() {
	fmt.Printf("charger state: %s\n", s.orch.Charger.State())
	fmt.Printf("contactor closed: %v\n", s.orch.Charger.ContactorClosed())
	fmt.Printf("active errors: %v\n", s.orch.Errors.Active())
}
