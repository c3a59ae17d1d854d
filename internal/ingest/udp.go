package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/banshee-data/eventtrack/internal/event"
	"github.com/banshee-data/eventtrack/internal/timeutil"
)

// UDPSocket is the subset of *net.UDPConn the listener uses.
type UDPSocket interface {
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)
	SetReadBuffer(bytes int) error
	SetReadDeadline(t time.Time) error
	Close() error
	LocalAddr() net.Addr
}

// UDPConfig configures a UDPListener.
type UDPConfig struct {
	Address     string
	RcvBuf      int
	MaxDatagram int
	LogInterval time.Duration
}

// DefaultUDPConfig returns a default configuration.
func DefaultUDPConfig() UDPConfig {
	return UDPConfig{
		Address:     ":4333",
		RcvBuf:      4 << 20,
		MaxDatagram: 65507,
		LogInterval: time.Minute,
	}
}

// UDPListener receives datagrams of address-event pairs and forwards each
// datagram as one batch.
type UDPListener struct {
	config UDPConfig
	target Target
	clock  timeutil.Clock
	counters
}

// NewUDPListener creates a listener. A nil clock uses wall time.
func NewUDPListener(cfg UDPConfig, target Target, clock timeutil.Clock) *UDPListener {
	if cfg.MaxDatagram <= 0 {
		cfg.MaxDatagram = DefaultUDPConfig().MaxDatagram
	}
	if cfg.LogInterval <= 0 {
		cfg.LogInterval = time.Minute
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &UDPListener{config: cfg, target: target, clock: clock}
}

// Run listens on the configured address until ctx is cancelled.
func (l *UDPListener) Run(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.config.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	return l.Serve(ctx, conn)
}

// Serve reads from sock until ctx is cancelled, then closes it.
func (l *UDPListener) Serve(ctx context.Context, sock UDPSocket) error {
	defer sock.Close()
	if l.config.RcvBuf > 0 {
		if err := sock.SetReadBuffer(l.config.RcvBuf); err != nil {
			log.Printf("[UDP] Warning: failed to set receive buffer to %d: %v", l.config.RcvBuf, err)
		}
	}
	log.Printf("[UDP] Listening on %s", sock.LocalAddr())

	go l.logStats(ctx)

	buf := make([]byte, l.config.MaxDatagram)
	for {
		if ctx.Err() != nil {
			log.Printf("[UDP] Stopping: %s", l.Stats())
			return nil
		}
		// Short deadline so cancellation is noticed between datagrams.
		sock.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, _, err := sock.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("[UDP] Read error: %v", err)
			continue
		}
		l.HandleDatagram(buf[:n])
	}
}

// HandleDatagram decodes and forwards one datagram. It returns the number
// of events the target accepted.
func (l *UDPListener) HandleDatagram(b []byte) int {
	l.packets.Add(1)
	l.bytes.Add(uint64(len(b)))
	events, err := event.DecodeAE(b)
	if err != nil {
		l.logMalformed("UDP", err)
		return 0
	}
	return l.deliver(l.target, events, l.clock.Now())
}

func (l *UDPListener) logStats(ctx context.Context) {
	ticker := l.clock.NewTicker(l.config.LogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			log.Printf("[UDP] %s", l.Stats())
		}
	}
}

// Stats returns the listener's counters.
func (l *UDPListener) Stats() Stats { return l.snapshot() }
