package health

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPChecker reports whether a port accepts connections. The manager uses it
// to wait for a freshly created instance's SSH or server port before the
// real probe runs.
type TCPChecker struct {
	addr   string
	dialer net.Dialer
}

func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{addr: address, dialer: net.Dialer{Timeout: 5 * time.Second}}
}

func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	c, err := t.dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return failed(start, fmt.Sprintf("%s not accepting connections: %v", t.addr, err))
	}
	_ = c.Close()
	return passed(start, fmt.Sprintf("%s open after %s", t.addr, time.Since(start).Round(time.Millisecond)))
}

func (t *TCPChecker) Type() CheckType {
	return CheckTypeTCP
}

// WithTimeout bounds each dial
func (t *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	t.dialer.Timeout = timeout
	return t
}
