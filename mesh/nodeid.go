package mesh

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/eddielth/airmesh/readings"
)

// NodeIDFromHardwareAddr derives a node id from the last four bytes of a MAC
func NodeIDFromHardwareAddr(hw net.HardwareAddr) (readings.NodeID, error) {
	if len(hw) < 4 {
		return 0, fmt.Errorf("hardware address %q too short", hw.String())
	}
	return readings.NodeID(binary.BigEndian.Uint32(hw[len(hw)-4:])), nil
}

// NodeIDFromInterface derives the node id from a network interface MAC.
// An empty name picks the first non-loopback interface that has one.
func NodeIDFromInterface(name string) (readings.NodeID, error) {
	if name != "" {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return 0, fmt.Errorf("failed to find interface %s: %v", name, err)
		}
		return NodeIDFromHardwareAddr(iface.HardwareAddr)
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return 0, fmt.Errorf("failed to list interfaces: %v", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) < 4 {
			continue
		}
		return NodeIDFromHardwareAddr(iface.HardwareAddr)
	}
	return 0, fmt.Errorf("no interface with a hardware address found")
}
