package conntable

import (
	"fmt"
	"strings"
)

// TCP states as numbered in include/net/tcp_states.h.
var tcpStates = map[uint64]string{
	0x01: "ESTABLISHED",
	0x02: "SYN_SENT",
	0x03: "SYN_RECV",
	0x04: "FIN_WAIT1",
	0x05: "FIN_WAIT2",
	0x06: "TIME_WAIT",
	0x07: "CLOSE",
	0x08: "CLOSE_WAIT",
	0x09: "LAST_ACK",
	0x0A: "LISTEN",
	0x0B: "CLOSING",
	0x0C: "NEW_SYN_RECV",
}

// stateName maps the hex state column to a display name.
func stateName(proto Protocol, code uint64) (string, error) {
	if !proto.IsTCP() {
		switch code {
		case 0x01:
			return "ESTABLISHED", nil
		case 0x07:
			return "UNCONN", nil
		}
		return "", fmt.Errorf("unknown udp state 0x%02X", code)
	}
	name, ok := tcpStates[code]
	if !ok {
		return "", fmt.Errorf("unknown tcp state 0x%02X", code)
	}
	return name, nil
}

// KnownState reports whether name is a state this package can produce.
func KnownState(name string) bool {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "UNCONN" {
		return true
	}
	for _, s := range tcpStates {
		if s == name {
			return true
		}
	}
	return false
}
