package lib

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
)

// generateISN picks a random 16-bit initial sequence number.
func generateISN() (uint64, error) {
	var isn uint16
	if err := binary.Read(rand.Reader, binary.BigEndian, &isn); err != nil {
		return 0, fmt.Errorf("generate initial sequence number: %w", err)
	}
	return uint64(isn), nil
}

// routeKey normalizes a peer address into the routing table key, so that an
// IPv4 peer maps to the same entry whether it arrived as a 4 or 16 byte IP.
func routeKey(addr net.Addr) string {
	if udp, ok := addr.(*net.UDPAddr); ok && udp.IP.To4() != nil {
		return (&net.UDPAddr{IP: udp.IP.To4(), Port: udp.Port}).String()
	}
	return addr.String()
}
