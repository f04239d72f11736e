package diagnostics_test

import (
	"testing"
	"time"

	"github.com/evse-go/evsecore/pkg/diagnostics"
)

func TestAdvertiserStartStop(t *testing.T) {
	adv := diagnostics.New("", time.Minute)

	err := adv.Start(diagnostics.Info{
		DeviceID:      "EVSE001",
		VendorName:    "Acme",
		SerialNumber:  "SN-1",
		ConnectorType: "Socket",
		ChargeMode:    "AC",
		Port:          8080,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer adv.Stop()
}

func TestAdvertiserStartReplacesRunningServer(t *testing.T) {
	adv := diagnostics.New("", time.Minute)

	if err := adv.Start(diagnostics.Info{DeviceID: "A", Port: 8080}); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer adv.Stop()

	if err := adv.Start(diagnostics.Info{DeviceID: "B", Port: 8081}); err != nil {
		t.Fatalf("second Start: %v", err)
	}
}

func TestAdvertiserStopWithoutStart(t *testing.T) {
	adv := diagnostics.New("", time.Minute)
	adv.Stop() // must not panic
}

func TestAdvertiserDefaultPort(t *testing.T) {
	adv := diagnostics.New("", 0)
	if err := adv.Start(diagnostics.Info{DeviceID: "C"}); err != nil {
		t.Fatalf("Start with zero port: %v", err)
	}
	defer adv.Stop()
}
