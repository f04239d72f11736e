package main

import (
	"context"
	"log"
	"time"

	"github.com/evse-go/evsecore/pkg/ports"
	"github.com/evse-go/evsecore/pkg/ports/simtest"
	"github.com/evse-go/evsecore/pkg/session"
)

// runSimulation repeatedly plugs in a simulated EV, requests power,
// reports a meter reading, and unplugs it, the way cmd/evse-example's
// runSimulation drives its device model's Simulate* methods on a ticker.
// No step authorizes, so the Charger stays waiting for authorization.
func runSimulation(ctx context.Context, bsp *simtest.BSP, meter *simtest.BillingMeter, mode session.ChargeMode) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	step := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			step++
			switch step % 4 {
			case 1:
				log.Println("[sim] EV plugged in")
				bsp.SimulateCPState(session.CPStateB)
			case 2:
				log.Println("[sim] EV requested power")
				bsp.SimulateCPState(session.CPStateC)
			case 3:
				reportReading(meter)
			case 0:
				log.Println("[sim] EV unplugged")
				bsp.SimulateCPState(session.CPStateA)
			}
		}
	}
}

func reportReading(meter *simtest.BillingMeter) {
	meter.SimulateReading(ports.PowerMeterReading{
		CurrentA: [3]float64{16, 16, 16},
		PowerW:   11000,
		EnergyWh: 500,
		At:       time.Now(),
	})
	log.Println("[sim] charging: 11.0 kW")
}
