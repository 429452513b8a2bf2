package shared

import (
	"net"
	"sync/atomic"
)

// TrafficMeter 原子地累计经过所有被包装连接的上行和下行字节数。
type TrafficMeter struct {
	sent     atomic.Uint64
	received atomic.Uint64
}

func (m *TrafficMeter) Sent() uint64     { return m.sent.Load() }
func (m *TrafficMeter) Received() uint64 { return m.received.Load() }

// Wrap returns conn with its reads and writes counted by m. A nil meter
// returns conn unchanged.
func (m *TrafficMeter) Wrap(conn net.Conn) net.Conn {
	if m == nil {
		return conn
	}
	return &countedConn{Conn: conn, meter: m}
}

type countedConn struct {
	net.Conn
	meter *TrafficMeter
}

func (c *countedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.meter.received.Add(uint64(n))
	}
	return n, err
}

func (c *countedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.meter.sent.Add(uint64(n))
	}
	return n, err
}
