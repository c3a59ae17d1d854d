package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/eventtrack/internal/event"
)

// PCAPConfig configures a capture replay.
type PCAPConfig struct {
	// UDPPort keeps only datagrams sent to this port; zero keeps all.
	UDPPort int
	// Speed scales capture time; 1 replays in real time and zero or less
	// replays as fast as the target accepts.
	Speed float64
}

// PCAPReplay feeds the UDP payloads of a capture file to a target, one
// batch per datagram.
type PCAPReplay struct {
	config PCAPConfig
	target Target
	counters
}

// NewPCAPReplay creates a replay.
func NewPCAPReplay(cfg PCAPConfig, target Target) *PCAPReplay {
	return &PCAPReplay{config: cfg, target: target}
}

// ReplayFile opens path and replays it.
func (p *PCAPReplay) ReplayFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open PCAP file %s: %w", path, err)
	}
	defer f.Close()
	return p.Replay(ctx, f)
}

// Replay reads a classic pcap stream until EOF or ctx is cancelled. Batches
// carry the capture timestamp as their receive time.
func (p *PCAPReplay) Replay(ctx context.Context, r io.Reader) error {
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return fmt.Errorf("failed to read PCAP header: %w", err)
	}
	linkType := reader.LinkType()

	var first time.Time
	start := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, ci, err := reader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			log.Printf("[PCAP] Replay complete in %v: %s", time.Since(start).Round(time.Millisecond), p.Stats())
			return nil
		}
		if err != nil {
			return fmt.Errorf("read PCAP packet %d: %w", p.packets.Load()+1, err)
		}

		payload := p.udpPayload(gopacket.NewPacket(data, linkType, gopacket.NoCopy))
		if payload == nil {
			continue
		}
		if first.IsZero() {
			first = ci.Timestamp
		}
		if err := p.pace(ctx, start, ci.Timestamp.Sub(first)); err != nil {
			return err
		}

		p.packets.Add(1)
		p.bytes.Add(uint64(len(payload)))
		events, err := event.DecodeAE(payload)
		if err != nil {
			p.logMalformed("PCAP", err)
			continue
		}
		p.deliver(p.target, events, ci.Timestamp)
	}
}

func (p *PCAPReplay) udpPayload(packet gopacket.Packet) []byte {
	udpLayer := packet.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return nil
	}
	udp, ok := udpLayer.(*layers.UDP)
	if !ok || len(udp.Payload) == 0 {
		return nil
	}
	if p.config.UDPPort != 0 && int(udp.DstPort) != p.config.UDPPort {
		return nil
	}
	return udp.Payload
}

// pace sleeps until offset (scaled by Speed) has elapsed since start.
func (p *PCAPReplay) pace(ctx context.Context, start time.Time, offset time.Duration) error {
	if p.config.Speed <= 0 {
		return nil
	}
	wait := time.Duration(float64(offset)/p.config.Speed) - time.Since(start)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Stats returns the replay's counters.
func (p *PCAPReplay) Stats() Stats { return p.snapshot() }
