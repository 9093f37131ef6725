// Package triage collects a quick host snapshot: process count and the
// sockets currently accepting traffic.
package triage

import (
	"context"
	"sort"
	"syscall"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// Summary is the short host overview returned by Summarize.
type Summary struct {
	ProcessCount   int       `json:"process_count"`
	ListeningPorts int       `json:"listening_ports"`
	CollectedAt    time.Time `json:"collected_at"`
}

// Listener is one listening TCP socket or unconnected UDP socket.
type Listener struct {
	Proto   string `json:"proto"`
	Address string `json:"address"`
	Port    uint32 `json:"port"`
	PID     int32  `json:"pid"`
	Process string `json:"process,omitempty"`
}

// Collector reads host state. The zero value uses gopsutil.
type Collector struct {
	pids        func(ctx context.Context) ([]int32, error)
	connections func(ctx context.Context) ([]psnet.ConnectionStat, error)
	processName func(ctx context.Context, pid int32) (string, error)
	now         func() time.Time
}

// New returns a Collector backed by gopsutil.
func New() *Collector {
	return &Collector{
		pids:        process.PidsWithContext,
		connections: inetConnections,
		processName: processName,
		now:         time.Now,
	}
}

func inetConnections(ctx context.Context) ([]psnet.ConnectionStat, error) {
	return psnet.ConnectionsWithContext(ctx, "inet")
}

func processName(ctx context.Context, pid int32) (string, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return "", err
	}
	return p.NameWithContext(ctx)
}

// Summarize counts processes and listeners. Collection errors degrade the
// affected field to zero.
func (c *Collector) Summarize(ctx context.Context) Summary {
	s := Summary{CollectedAt: c.now()}
	if pids, err := c.pids(ctx); err == nil {
		s.ProcessCount = len(pids)
	}
	if conns, err := c.connections(ctx); err == nil {
		for _, conn := range conns {
			if isListening(conn) {
				s.ListeningPorts++
			}
		}
	}
	return s
}

// ListeningPorts lists listeners ordered by port then protocol. A limit of
// zero or less returns all of them. Errors yield an empty list.
func (c *Collector) ListeningPorts(ctx context.Context, limit int) []Listener {
	conns, err := c.connections(ctx)
	if err != nil {
		return nil
	}

	names := map[int32]string{}
	var out []Listener
	for _, conn := range conns {
		if !isListening(conn) {
			continue
		}
		l := Listener{
			Proto:   protoName(conn.Type),
			Address: conn.Laddr.IP,
			Port:    conn.Laddr.Port,
			PID:     conn.Pid,
		}
		if conn.Pid > 0 {
			name, ok := names[conn.Pid]
			if !ok {
				name, _ = c.processName(ctx, conn.Pid)
				names[conn.Pid] = name
			}
			l.Process = name
		}
		out = append(out, l)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Port != out[j].Port {
			return out[i].Port < out[j].Port
		}
		return out[i].Proto < out[j].Proto
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func isListening(conn psnet.ConnectionStat) bool {
	switch conn.Type {
	case syscall.SOCK_STREAM:
		return conn.Status == "LISTEN"
	case syscall.SOCK_DGRAM:
		return conn.Raddr.Port == 0 && (conn.Raddr.IP == "" || conn.Raddr.IP == "*")
	}
	return false
}

func protoName(t uint32) string {
	if t == syscall.SOCK_DGRAM {
		return "udp"
	}
	return "tcp"
}
