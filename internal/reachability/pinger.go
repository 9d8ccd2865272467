package reachability

import (
	"context"
	"fmt"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// Result is the outcome of probing one host.
type Result struct {
	Host       string    `json:"host"`
	Reachable  bool      `json:"reachable"`
	Sent       int       `json:"sent"`
	Received   int       `json:"received"`
	PacketLoss float64   `json:"packet_loss"`
	AvgRTTMs   float64   `json:"avg_rtt_ms"`
	CheckedAt  time.Time `json:"checked_at"`
	Error      string    `json:"error,omitempty"`
}

// Pinger pings a host. Replaced in tests.
type Pinger func(ctx context.Context, host string, count int, timeout time.Duration, privileged bool) (Result, error)

// ICMPPinger sends echo requests with pro-bing. The timeout bounds the
// whole run.
func ICMPPinger(ctx context.Context, host string, count int, timeout time.Duration, privileged bool) (Result, error) {
	pinger, err := probing.NewPinger(host)
	if err != nil {
		return Result{}, fmt.Errorf("create pinger: %w", err)
	}
	pinger.Count = count
	pinger.Timeout = timeout
	pinger.SetPrivileged(privileged)

	done := make(chan error, 1)
	go func() {
		done <- pinger.Run()
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		pinger.Stop()
		<-done
		return Result{}, ctx.Err()
	}
	if err != nil {
		return Result{}, fmt.Errorf("ping %s: %w", host, err)
	}

	stats := pinger.Statistics()
	return Result{
		Host:       host,
		Reachable:  stats.PacketsRecv > 0,
		Sent:       stats.PacketsSent,
		Received:   stats.PacketsRecv,
		PacketLoss: stats.PacketLoss,
		AvgRTTMs:   float64(stats.AvgRtt.Microseconds()) / 1000.0,
	}, nil
}
