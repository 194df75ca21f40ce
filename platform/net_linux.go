//go:build linux

package platform

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/sentinelops/sentinel-agent/monitor"
)

// tcpEstablished is the kernel state code for an established socket.
const tcpEstablished = "01"

// TCPConnections snapshots established TCP sockets from /proc/net,
// attributing each to its owning process via socket inodes.
type TCPConnections struct{}

func NewTCPConnections() *TCPConnections { return &TCPConnections{} }

// Connections lists established IPv4 and IPv6 connections.
func (tc *TCPConnections) Connections() ([]monitor.Connection, error) {
	owners := socketOwners()

	var conns []monitor.Connection
	for _, table := range []struct {
		path string
		v6   bool
	}{
		{"/proc/net/tcp", false},
		{"/proc/net/tcp6", true},
	} {
		data, err := os.ReadFile(table.path)
		if err != nil {
			continue
		}
		conns = append(conns, parseTCPTable(string(data), table.v6, owners)...)
	}
	if conns == nil {
		return nil, fmt.Errorf("no readable tcp tables under /proc/net")
	}
	return conns, nil
}

type socketOwner struct {
	pid  int
	name string
}

// socketOwners maps socket inodes to the processes holding them. Best
// effort: processes we cannot inspect are simply absent.
func socketOwners() map[string]socketOwner {
	owners := make(map[string]socketOwner)
	dirs, err := os.ReadDir("/proc")
	if err != nil {
		return owners
	}
	for _, d := range dirs {
		pid, err := strconv.Atoi(d.Name())
		if err != nil {
			continue
		}
		fdDir := fmt.Sprintf("/proc/%d/fd", pid)
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue
		}
		var name string
		if comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid)); err == nil {
			name = strings.TrimSpace(string(comm))
		}
		for _, fd := range fds {
			link, err := os.Readlink(fdDir + "/" + fd.Name())
			if err != nil {
				continue
			}
			if strings.HasPrefix(link, "socket:[") && strings.HasSuffix(link, "]") {
				inode := link[len("socket:[") : len(link)-1]
				owners[inode] = socketOwner{pid: pid, name: name}
			}
		}
	}
	return owners
}

func parseTCPTable(data string, v6 bool, owners map[string]socketOwner) []monitor.Connection {
	var conns []monitor.Connection
	lines := strings.Split(data, "\n")
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) < 10 {
			continue
		}
		if fields[3] != tcpEstablished {
			continue
		}
		local, err := decodeSockAddr(fields[1], v6)
		if err != nil {
			continue
		}
		remote, err := decodeSockAddr(fields[2], v6)
		if err != nil {
			continue
		}

		conn := monitor.Connection{
			LocalAddr:  local,
			RemoteAddr: remote,
			State:      "ESTABLISHED",
		}
		if owner, ok := owners[fields[9]]; ok {
			conn.PID = owner.pid
			conn.ProcessName = owner.name
		}
		conns = append(conns, conn)
	}
	return conns
}

// decodeSockAddr converts the kernel's hex "ADDR:PORT" form to a
// printable address. IPv4 addresses are little-endian; IPv6 addresses
// are four little-endian 32-bit groups.
func decodeSockAddr(s string, v6 bool) (string, error) {
	addrHex, portHex, ok := strings.Cut(s, ":")
	if !ok {
		return "", fmt.Errorf("malformed socket address %q", s)
	}
	port, err := strconv.ParseUint(portHex, 16, 16)
	if err != nil {
		return "", err
	}

	var ip net.IP
	if v6 {
		if len(addrHex) != 32 {
			return "", fmt.Errorf("malformed ipv6 address %q", addrHex)
		}
		ip = make(net.IP, 16)
		for i := 0; i < 4; i++ {
			group, err := strconv.ParseUint(addrHex[i*8:(i+1)*8], 16, 32)
			if err != nil {
				return "", err
			}
			binary.BigEndian.PutUint32(ip[i*4:], uint32(bswap32(uint32(group))))
		}
	} else {
		raw, err := strconv.ParseUint(addrHex, 16, 32)
		if err != nil {
			return "", err
		}
		ip = make(net.IP, 4)
		binary.LittleEndian.PutUint32(ip, uint32(raw))
	}

	return net.JoinHostPort(ip.String(), strconv.FormatUint(port, 10)), nil
}

func bswap32(v uint32) uint32 {
	return v<<24 | (v&0xff00)<<8 | (v>>8)&0xff00 | v>>24
}
