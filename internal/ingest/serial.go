package ingest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/banshee-data/eventtrack/internal/event"
	"github.com/banshee-data/eventtrack/internal/timeutil"
)

// PortOptions describes the serial connection parameters.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// Normalize validates the options and applies defaults for unset values.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o
	if opts.BaudRate <= 0 {
		opts.BaudRate = 115200
	}
	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}
	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}
	switch strings.TrimSpace(strings.ToUpper(opts.Parity)) {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}
	return opts, nil
}

// SerialMode converts the options for go.bug.st/serial.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	mode := &serial.Mode{BaudRate: opts.BaudRate, DataBits: opts.DataBits}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	} else {
		mode.StopBits = serial.OneStopBit
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		mode.Parity = serial.NoParity
	}
	return mode, nil
}

// OpenSerial opens the port at path.
func OpenSerial(path string, opts PortOptions) (serial.Port, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}
	return port, nil
}

// SerialConfig configures a LineSource.
type SerialConfig struct {
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultSerialConfig returns a default configuration.
func DefaultSerialConfig() SerialConfig {
	return SerialConfig{BatchSize: 256, FlushInterval: 5 * time.Millisecond}
}

// LineSource reads text events ("x y polarity channel stamp", one per line)
// and forwards them in batches of up to BatchSize, flushing partial batches
// every FlushInterval. Blank lines and lines starting with '#' are skipped.
type LineSource struct {
	config SerialConfig
	target Target
	clock  timeutil.Clock
	counters
}

// NewLineSource creates a source. A nil clock uses wall time.
func NewLineSource(cfg SerialConfig, target Target, clock timeutil.Clock) *LineSource {
	def := DefaultSerialConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &LineSource{config: cfg, target: target, clock: clock}
}

// Run reads r until EOF, a read error or ctx cancellation. EOF flushes the
// pending batch and returns nil.
func (s *LineSource) Run(ctx context.Context, r io.Reader) error {
	scan := bufio.NewScanner(r)
	lines := make(chan string)
	scanErr := make(chan error, 1)

	go func() {
		defer close(lines)
		for scan.Scan() {
			select {
			case lines <- scan.Text():
			case <-ctx.Done():
				scanErr <- nil
				return
			}
		}
		scanErr <- scan.Err()
	}()

	ticker := s.clock.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	pending := make([]event.Event, 0, s.config.BatchSize)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		s.deliver(s.target, pending, s.clock.Now())
		pending = make([]event.Event, 0, s.config.BatchSize)
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return ctx.Err()

		case <-ticker.C():
			flush()

		case line, ok := <-lines:
			if !ok {
				flush()
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := <-scanErr; err != nil {
					return fmt.Errorf("read serial lines: %w", err)
				}
				log.Printf("[Serial] Input closed: %s", s.Stats())
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			s.packets.Add(1)
			s.bytes.Add(uint64(len(line)))
			e, err := event.ParseLine(line)
			if err != nil {
				s.logMalformed("Serial", err)
				continue
			}
			pending = append(pending, e)
			if len(pending) >= s.config.BatchSize {
				flush()
			}
		}
	}
}

// Stats returns the source's counters.
func (s *LineSource) Stats() Stats { return s.snapshot() }
