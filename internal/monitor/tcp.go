package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"uptime/internal/models"
)

type TCPChecker struct {
	Dialer *Dialer
}

func (c *TCPChecker) Check(ctx context.Context, m *models.Monitor) (*Outcome, error) {
	port := portOf(m.Target)
	if m.Port != nil {
		port = *m.Port
	}
	if port <= 0 || port > 65535 {
		return nil, errors.New("tcp monitor requires a port")
	}
	address := hostPort(HostOf(m.Target), port)

	start := time.Now()
	conn, err := c.Dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return &Outcome{
			Success:   false,
			ElapsedMs: elapsedMs(start),
			Detail:    fmt.Sprintf("tcp connect %s failed: %s", address, transportDetail(err)),
		}, nil
	}
	conn.Close()

	return &Outcome{
		Success:   true,
		ElapsedMs: elapsedMs(start),
		Detail:    "tcp connection established",
	}, nil
}
