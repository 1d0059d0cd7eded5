package common

import (
	"math/rand"
	"net"
)

const hexdigits = "0123456789abcdef"

func randString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = hexdigits[rand.Intn(len(hexdigits))]
	}
	return string(b)
}

func randMAC() net.HardwareAddr {
	mac := make(net.HardwareAddr, 6)
	rand.Read(mac)
	// locally administered, unicast
	mac[0] = mac[0]&0xfe | 0x02
	return mac
}

func randIP() net.IP {
	return net.IPv4(10, 0, byte(rand.Intn(256)), byte(1+rand.Intn(254)))
}
