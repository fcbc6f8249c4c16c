// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package addrmgr

import (
	"context"
	"fmt"
	"net"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"
)

// natClient holds whichever NAT traversal method answered discovery,
// so MapPort can reuse it instead of probing again.
type natClient struct {
	pmp  *natpmp.Client
	upnp *internetgateway1.WANIPConnection1
}

var discovered *natClient

// DiscoverExternalAddress probes NAT-PMP against the discovered
// default gateway and falls back to UPnP IGD discovery, used by
// Pool.Connect's external-IP discovery step.
func DiscoverExternalAddress(ctx context.Context) (net.IP, error) {
	if gw, err := gateway.DiscoverGateway(); err == nil {
		pmp := natpmp.NewClient(gw)
		if res, err := pmp.GetExternalAddress(); err == nil {
			discovered = &natClient{pmp: pmp}
			ip := res.ExternalIPAddress
			return net.IPv4(ip[0], ip[1], ip[2], ip[3]), nil
		}
	}

	clients, _, err := internetgateway1.NewWANIPConnection1Clients()
	if err != nil || len(clients) == 0 {
		return nil, fmt.Errorf("addrmgr: no NAT-PMP or UPnP gateway found")
	}
	ipStr, err := clients[0].GetExternalIPAddress()
	if err != nil {
		return nil, fmt.Errorf("addrmgr: UPnP GetExternalIPAddress: %w", err)
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return nil, fmt.Errorf("addrmgr: UPnP returned unparseable address %q", ipStr)
	}
	discovered = &natClient{upnp: clients[0]}
	return ip, nil
}

// MapPort opens port on whichever gateway DiscoverExternalAddress
// found, so inbound connections can reach us.
func MapPort(port uint16) error {
	if discovered == nil {
		return fmt.Errorf("addrmgr: MapPort called before DiscoverExternalAddress")
	}
	if discovered.pmp != nil {
		_, err := discovered.pmp.AddPortMapping("tcp", int(port), int(port), 3600)
		return err
	}
	return discovered.upnp.AddPortMapping("", port, "TCP", port, localIP().String(), true, "hnsnode", 3600)
}

func localIP() net.IP {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4
		}
	}
	return nil
}
