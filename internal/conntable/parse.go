package conntable

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Minimum column count of a /proc/net/{tcp,udp}[6] row, up to the inode.
const minFields = 10

func checkHeader(line string) error {
	fields := strings.Fields(line)
	if len(fields) < 4 || fields[0] != "sl" || fields[1] != "local_address" {
		return fmt.Errorf("unexpected table header %q", line)
	}
	return nil
}

// parseRow decodes one table row:
//
//	sl local_address rem_address st tx_queue:rx_queue tr:tm->when retrnsmt uid timeout inode ...
func parseRow(proto Protocol, line string) (Entry, error) {
	fields := strings.Fields(line)
	if len(fields) < minFields {
		return Entry{}, fmt.Errorf("expected at least %d fields, got %d", minFields, len(fields))
	}
	v6 := proto == TCP6 || proto == UDP6

	local, err := parseEndpoint(fields[1], v6)
	if err != nil {
		return Entry{}, fmt.Errorf("local address: %w", err)
	}
	remote, err := parseEndpoint(fields[2], v6)
	if err != nil {
		return Entry{}, fmt.Errorf("remote address: %w", err)
	}

	code, err := strconv.ParseUint(fields[3], 16, 8)
	if err != nil {
		return Entry{}, fmt.Errorf("state %q: %w", fields[3], err)
	}
	state, err := stateName(proto, code)
	if err != nil {
		return Entry{}, err
	}

	tx, rx, err := parseQueues(fields[4])
	if err != nil {
		return Entry{}, err
	}

	uid, err := strconv.ParseUint(fields[7], 10, 32)
	if err != nil {
		return Entry{}, fmt.Errorf("uid %q: %w", fields[7], err)
	}
	inode, err := strconv.ParseUint(fields[9], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("inode %q: %w", fields[9], err)
	}

	return Entry{
		Key:     Key{Proto: proto, Local: local, Remote: remote},
		State:   state,
		Inode:   inode,
		UID:     uint32(uid),
		TxQueue: tx,
		RxQueue: rx,
	}, nil
}

func parseQueues(raw string) (uint64, uint64, error) {
	txHex, rxHex, ok := strings.Cut(raw, ":")
	if !ok {
		return 0, 0, fmt.Errorf("queues %q: missing separator", raw)
	}
	tx, err := strconv.ParseUint(txHex, 16, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("tx_queue %q: %w", txHex, err)
	}
	rx, err := strconv.ParseUint(rxHex, 16, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("rx_queue %q: %w", rxHex, err)
	}
	return tx, rx, nil
}

// parseEndpoint decodes "ADDR:PORT" where ADDR is the kernel's hex dump of
// the address in host (little-endian) 32-bit words.
func parseEndpoint(raw string, v6 bool) (netip.AddrPort, error) {
	ipHex, portHex, ok := strings.Cut(raw, ":")
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("%q: missing port separator", raw)
	}
	port, err := strconv.ParseUint(portHex, 16, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("port %q: %w", portHex, err)
	}
	b, err := hex.DecodeString(ipHex)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("address %q: %w", ipHex, err)
	}

	var addr netip.Addr
	switch {
	case !v6 && len(b) == 4:
		addr = netip.AddrFrom4([4]byte{b[3], b[2], b[1], b[0]})
	case v6 && len(b) == 16:
		var ip [16]byte
		for i := 0; i < 4; i++ {
			ip[i*4+0] = b[i*4+3]
			ip[i*4+1] = b[i*4+2]
			ip[i*4+2] = b[i*4+1]
			ip[i*4+3] = b[i*4+0]
		}
		addr = netip.AddrFrom16(ip)
	default:
		return netip.AddrPort{}, fmt.Errorf("address %q: unexpected length %d", ipHex, len(b))
	}
	return netip.AddrPortFrom(addr, uint16(port)), nil
}
