// Command evtrack runs the event-driven circle tracker: it ingests address
// events from UDP, a pcap capture, a serial line or the synthetic generator,
// runs the particle filter under delay control, and publishes estimates to
// gRPC, MQTT, SQLite and the websocket live feed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/eventtrack/internal/api"
	"github.com/banshee-data/eventtrack/internal/config"
	"github.com/banshee-data/eventtrack/internal/control"
	"github.com/banshee-data/eventtrack/internal/event"
	"github.com/banshee-data/eventtrack/internal/ingest"
	"github.com/banshee-data/eventtrack/internal/monitoring"
	"github.com/banshee-data/eventtrack/internal/pf"
	"github.com/banshee-data/eventtrack/internal/sink"
	"github.com/banshee-data/eventtrack/internal/sink/grpcstream"
	"github.com/banshee-data/eventtrack/internal/sink/mqttsink"
	"github.com/banshee-data/eventtrack/internal/storage/sqlite"
	"github.com/banshee-data/eventtrack/internal/synthetic"
	"github.com/banshee-data/eventtrack/internal/timeutil"
	"github.com/banshee-data/eventtrack/internal/version"
)

var (
	listen      = flag.String("listen", ":8080", "HTTP listen address for the admin surface")
	configFile  = flag.String("config", "", "Path to tuning JSON (defaults to config/tuning.defaults.json)")
	source      = flag.String("source", "synthetic", "Event source: udp, pcap, serial or synthetic")
	udpAddr     = flag.String("udp-addr", ":4333", "UDP listen address (source=udp)")
	udpRcvBuf   = flag.Int("udp-rcvbuf", 4<<20, "UDP receive buffer in bytes (source=udp)")
	pcapFile    = flag.String("pcap", "", "Capture file to replay (source=pcap)")
	pcapPort    = flag.Int("pcap-port", 4333, "UDP destination port to replay from the capture (source=pcap)")
	pcapSpeed   = flag.Float64("pcap-speed", 1.0, "Replay speed multiplier, 0 replays as fast as possible (source=pcap)")
	serialPort  = flag.String("port", "/dev/ttyUSB0", "Serial port carrying text events (source=serial)")
	serialBaud  = flag.Int("baud", 115200, "Serial baud rate (source=serial)")
	synthRate   = flag.Float64("synth-rate", 200000, "Synthetic event rate in events per second (source=synthetic)")
	synthOrbit  = flag.Float64("synth-orbit", 20, "Synthetic orbit radius in pixels (source=synthetic)")
	dbPath      = flag.String("db", "", "SQLite file for recorded sessions, empty disables recording")
	grpcAddr    = flag.String("grpc-listen", "", "gRPC estimate stream listen address, empty disables")
	mqttBroker  = flag.String("mqtt-broker", "", "MQTT broker URL, empty disables")
	mqttTopic   = flag.String("mqtt-topic", "eventtrack/estimate", "MQTT topic for estimates")
	diagLog     = flag.Bool("diag", false, "Log per-cycle control diagnostics")
	traceLog    = flag.Bool("trace", false, "Log per-batch ingest telemetry")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("evtrack", version.String())
		return
	}
	log.Printf("evtrack %s", version.String())

	var tuning *config.TuningConfig
	if *configFile != "" {
		var err error
		tuning, err = config.LoadTuningConfig(*configFile)
		if err != nil {
			log.Fatalf("failed to load tuning config: %v", err)
		}
		log.Printf("loaded tuning config from %s", *configFile)
	} else {
		tuning = config.MustLoadDefaultConfig()
	}
	if err := tuning.Validate(); err != nil {
		log.Fatalf("invalid tuning config: %v", err)
	}

	var diagW, traceW io.Writer
	if *diagLog {
		diagW = os.Stdout
	}
	if *traceLog {
		traceW = os.Stdout
		monitoring.SetTraceLogger(log.Printf)
	}
	control.SetLogWriters(os.Stdout, diagW, traceW)

	clock := timeutil.RealClock{}
	res := event.Resolution{Width: tuning.GetSensorWidth(), Height: tuning.GetSensorHeight()}

	filter, err := pf.NewFilter(pf.ConfigFromTuning(tuning))
	if err != nil {
		log.Fatalf("failed to create particle filter: %v", err)
	}

	seeded, err := seedFilter(filter, tuning)
	if err != nil {
		log.Fatalf("invalid seed: %v", err)
	}
	if seeded {
		x, y, r, _ := tuning.GetSeed()
		log.Printf("filter seeded at (%.1f, %.1f, r=%.1f)", x, y, r)
	}

	loopCfg := control.ConfigFromTuning(tuning)
	pipe, err := newPipeline(tuning, loopCfg.Mode, res, clock)
	if err != nil {
		log.Fatalf("failed to build %s pipeline: %v", loopCfg.Mode, err)
	}
	inputs, target, stats := pipe.inputs, pipe.target, pipe.stats

	// Outputs fan out behind the fixed-rate collector.
	var outputs sink.Multi

	var recorder *sqlite.Recorder
	if *dbPath != "" {
		recorder, err = sqlite.Open(*dbPath)
		if err != nil {
			log.Fatalf("failed to open session database: %v", err)
		}
		defer recorder.Close()
		id, err := recorder.StartSession(loopCfg.Mode.String(), tuning)
		if err != nil {
			log.Fatalf("failed to start session: %v", err)
		}
		log.Printf("recording session %s to %s", id, *dbPath)
		outputs = append(outputs, recorder)
	}

	var publisher *grpcstream.Publisher
	if *grpcAddr != "" {
		gcfg := grpcstream.DefaultConfig()
		gcfg.ListenAddr = *grpcAddr
		publisher = grpcstream.NewPublisher(gcfg)
		if err := publisher.Start(); err != nil {
			log.Fatalf("failed to start gRPC publisher: %v", err)
		}
		defer publisher.Stop()
		outputs = append(outputs, publisher)
		stats["grpc"] = func() any { return publisher.Stats() }
	}

	if *mqttBroker != "" {
		mcfg := mqttsink.DefaultConfig()
		mcfg.Broker = *mqttBroker
		mcfg.Topic = *mqttTopic
		ms := mqttsink.New(mcfg)
		if err := ms.Connect(); err != nil {
			log.Fatalf("failed to connect to MQTT broker: %v", err)
		}
		defer ms.Close()
		outputs = append(outputs, ms)
		stats["mqtt"] = func() any { return ms.Stats() }
	}

	// The live hub joins outputs once the server exists, before any cycle runs.
	collector := sink.NewCollector(sink.Func(func(o sink.Output) error {
		return outputs.Publish(o)
	}), tuning.GetPublishInterval(), clock)
	loop, err := control.NewLoop(loopCfg, filter, inputs, collector, clock)
	if err != nil {
		log.Fatalf("failed to create control loop: %v", err)
	}

	var sessions api.SessionStore
	if recorder != nil {
		sessions = recorder
	}
	server := api.NewServer(loop, sessions)
	outputs = append(outputs, server.Live())
	stats["collector"] = func() any { return collector.Stats() }
	stats["live"] = func() any { return server.Live().Stats() }

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	run, srcStats, err := newSource(target, res, clock)
	if err != nil {
		log.Fatalf("failed to create %s source: %v", *source, err)
	}
	if srcStats != nil {
		stats["ingest"] = srcStats
	}
	for name, f := range stats {
		server.AddStats(name, f)
	}

	g.Go(func() error {
		err := run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("%s source: %w", *source, err)
		}
		log.Printf("%s source terminated", *source)
		return nil
	})

	g.Go(func() error {
		err := loop.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("control loop: %w", err)
		}
		log.Print("control loop terminated")
		return nil
	})

	g.Go(func() error {
		err := collector.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("collector: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return serveHTTP(ctx, server)
	})

	if err := g.Wait(); err != nil {
		log.Printf("shutdown after error: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}

// newSource builds the runner for the selected event source.
func newSource(target ingest.Target, res event.Resolution, clock timeutil.Clock) (func(context.Context) error, api.StatsFunc, error) {
	switch *source {
	case "udp":
		cfg := ingest.DefaultUDPConfig()
		cfg.Address = *udpAddr
		cfg.RcvBuf = *udpRcvBuf
		l := ingest.NewUDPListener(cfg, target, clock)
		return l.Run, func() any { return l.Stats() }, nil

	case "pcap":
		if *pcapFile == "" {
			return nil, nil, errors.New("-pcap is required")
		}
		p := ingest.NewPCAPReplay(ingest.PCAPConfig{UDPPort: *pcapPort, Speed: *pcapSpeed}, target)
		path := *pcapFile
		return func(ctx context.Context) error {
			return p.ReplayFile(ctx, path)
		}, func() any { return p.Stats() }, nil

	case "serial":
		port, err := ingest.OpenSerial(*serialPort, ingest.PortOptions{BaudRate: *serialBaud})
		if err != nil {
			return nil, nil, err
		}
		s := ingest.NewLineSource(ingest.DefaultSerialConfig(), target, clock)
		return func(ctx context.Context) error {
			defer port.Close()
			// Closing the port unblocks the scanner on cancellation.
			go func() {
				<-ctx.Done()
				port.Close()
			}()
			return s.Run(ctx, port)
		}, func() any { return s.Stats() }, nil

	case "synthetic":
		cfg := synthetic.DefaultConfig()
		cfg.Resolution = res
		cfg.EventRate = *synthRate
		cfg.OrbitRadius = *synthOrbit
		gen, err := synthetic.New(cfg)
		if err != nil {
			return nil, nil, err
		}
		return func(ctx context.Context) error {
			return gen.Run(ctx, target, clock)
		}, func() any { return gen.Truth() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown source %q", *source)
	}
}

func serveHTTP(ctx context.Context, server *api.Server) error {
	mux := server.ServeMux()
	if err := server.AttachAdminRoutes(mux); err != nil {
		return fmt.Errorf("attach admin routes: %w", err)
	}

	srv := &http.Server{
		Addr:    *listen,
		Handler: api.LoggingMiddleware(mux),
	}

	errc := make(chan error, 1)
	go func() {
		log.Printf("admin surface listening on %s", *listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err, ok := <-errc:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := srv.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	log.Printf("HTTP server routine stopped")
	return nil
}
