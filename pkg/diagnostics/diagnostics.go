// Package diagnostics implements the ambient Diagnostics Advertiser
// (§2.15): a single mDNS service announcement describing this charging
// point (connector type, charge mode, firmware/serial identity) so a
// technician's laptop or a local dashboard can find it without manual
// configuration.
//
// Grounded on the teacher's pkg/discovery/mdns.go, trimmed from its
// multi-service-type (commissionable/operational/commissioner/pairing)
// advertiser down to the one "_evse._tcp" service type this spec needs,
// keeping the same zeroconf.Register call shape and TTL/interface
// options.
package diagnostics

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"
)

// ServiceType is the mDNS service type advertised for an EVSE.
const ServiceType = "_evse._tcp"

// Domain is the mDNS domain used for advertisement.
const Domain = "local."

// Info is the identity advertised in the service's TXT records.
type Info struct {
	DeviceID      string
	VendorName    string
	SerialNumber  string
	ConnectorType string // e.g. "Type2", "CCS2", "CHAdeMO"
	ChargeMode    string // "AC" or "DC"
	Port          int
}

func (i Info) txtStrings() []string {
	return []string{
		"id=" + i.DeviceID,
		"vendor=" + i.VendorName,
		"serial=" + i.SerialNumber,
		"connector=" + i.ConnectorType,
		"mode=" + i.ChargeMode,
	}
}

// Advertiser advertises one EVSE's presence over mDNS.
type Advertiser struct {
	mu        sync.Mutex
	iface     string
	ttl       time.Duration
	server    *zeroconf.Server
}

// New creates an Advertiser. iface, if non-empty, restricts advertising
// to that network interface; ttl of zero uses zeroconf's own default.
func New(iface string, ttl time.Duration) *Advertiser {
	return &Advertiser{iface: iface, ttl: ttl}
}

func (a *Advertiser) interfaces() []net.Interface {
	if a.iface == "" {
		return nil
	}
	ifc, err := net.InterfaceByName(a.iface)
	if err != nil {
		return nil
	}
	return []net.Interface{*ifc}
}

// Start registers the mDNS service, replacing any previous registration.
func (a *Advertiser) Start(info Info) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	port := info.Port
	if port == 0 {
		port = 80
	}
	instanceName := fmt.Sprintf("EVSE-%s", info.DeviceID)

	var opts []zeroconf.ServerOption
	if a.ttl > 0 {
		opts = append(opts, zeroconf.TTL(uint32(a.ttl.Seconds())))
	}

	server, err := zeroconf.Register(
		instanceName,
		ServiceType,
		Domain,
		port,
		info.txtStrings(),
		a.interfaces(),
		opts...,
	)
	if err != nil {
		return fmt.Errorf("diagnostics: register mDNS service: %w", err)
	}
	a.server = server
	return nil
}

// Stop withdraws the advertisement, if any is active.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}
