// Package grpcstream streams tracker outputs to gRPC clients. Each client
// opens a server-streaming call and receives every estimate published after
// it connected; slow clients drop outputs rather than stall the loop.
package grpcstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/eventtrack/internal/sink"
)

var (
	ErrNotRunning = errors.New("stream publisher is not running")
	ErrQueueFull  = errors.New("stream publisher queue is full, output dropped")
)

// Config holds configuration for the stream server.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "localhost:50061")
	ListenAddr string

	// MaxClients is the maximum number of concurrent streaming clients
	MaxClients int

	// QueueSize bounds outputs waiting for the broadcast goroutine
	QueueSize int

	// ClientBuffer bounds outputs waiting for each client
	ClientBuffer int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   "localhost:50061",
		MaxClients:   5,
		QueueSize:    100,
		ClientBuffer: 16,
	}
}

// Stats contains publisher statistics.
type Stats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Clients   int32  `json:"clients"`
	Running   bool   `json:"running"`
}

// Publisher owns the gRPC server and fans outputs out to clients. It
// implements sink.Sink.
type Publisher struct {
	config   Config
	server   *grpc.Server
	listener net.Listener

	outCh     chan *structpb.Struct
	clients   map[string]*clientStream
	clientsMu sync.RWMutex

	published   atomic.Uint64
	dropped     atomic.Uint64
	clientCount atomic.Int32

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type clientStream struct {
	id  string
	out chan *structpb.Struct
}

var _ sink.Sink = (*Publisher)(nil)

// NewPublisher creates a Publisher with the given configuration.
func NewPublisher(cfg Config) *Publisher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = DefaultConfig().ClientBuffer
	}
	return &Publisher{
		config:  cfg,
		outCh:   make(chan *structpb.Struct, cfg.QueueSize),
		clients: make(map[string]*clientStream),
		stopCh:  make(chan struct{}),
	}
}

// Start binds ListenAddr and serves in the background.
func (p *Publisher) Start() error {
	lis, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.config.ListenAddr, err)
	}
	return p.StartListener(lis)
}

// StartListener serves on an existing listener in the background.
func (p *Publisher) StartListener(lis net.Listener) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("publisher already running")
	}
	p.listener = lis
	p.server = grpc.NewServer()
	RegisterTrackerServer(p.server, p)

	p.wg.Add(2)
	go p.broadcastLoop()
	go func() {
		defer p.wg.Done()
		log.Printf("[Stream] gRPC server listening on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			log.Printf("[Stream] gRPC server error: %v", err)
		}
	}()
	return nil
}

// Stop closes client streams and stops the server.
func (p *Publisher) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)
	if p.server != nil {
		p.server.GracefulStop()
	}
	p.wg.Wait()
	log.Printf("[Stream] gRPC server stopped")
}

// Publish queues o for every connected client. It never blocks.
func (p *Publisher) Publish(o sink.Output) error {
	if !p.running.Load() {
		return ErrNotRunning
	}
	msg, err := OutputToStruct(o)
	if err != nil {
		return err
	}
	select {
	case p.outCh <- msg:
		p.published.Add(1)
		return nil
	default:
		n := p.dropped.Add(1)
		return fmt.Errorf("%w (cycle %d, %d dropped in total)", ErrQueueFull, o.Cycle, n)
	}
}

func (p *Publisher) broadcastLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case msg := <-p.outCh:
			p.clientsMu.RLock()
			for _, c := range p.clients {
				select {
				case c.out <- msg:
				default:
					p.dropped.Add(1)
				}
			}
			p.clientsMu.RUnlock()
		}
	}
}

func (p *Publisher) addClient() (*clientStream, error) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if p.config.MaxClients > 0 && len(p.clients) >= p.config.MaxClients {
		return nil, status.Errorf(codes.ResourceExhausted, "at most %d clients", p.config.MaxClients)
	}
	c := &clientStream{id: uuid.NewString(), out: make(chan *structpb.Struct, p.config.ClientBuffer)}
	p.clients[c.id] = c
	n := p.clientCount.Add(1)
	log.Printf("[Stream] Client connected: %s (total: %d)", c.id, n)
	return c, nil
}

func (p *Publisher) removeClient(id string) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if _, ok := p.clients[id]; ok {
		delete(p.clients, id)
		n := p.clientCount.Add(-1)
		log.Printf("[Stream] Client disconnected: %s (remaining: %d)", id, n)
	}
}

// StreamEstimates serves one client until it goes away or the publisher
// stops.
func (p *Publisher) StreamEstimates(_ *emptypb.Empty, stream grpc.ServerStream) error {
	c, err := p.addClient()
	if err != nil {
		return err
	}
	defer p.removeClient(c.id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.stopCh:
			return nil
		case msg := <-c.out:
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

// Stats returns current publisher statistics.
func (p *Publisher) Stats() Stats {
	return Stats{
		Published: p.published.Load(),
		Dropped:   p.dropped.Load(),
		Clients:   p.clientCount.Load(),
		Running:   p.running.Load(),
	}
}

// OutputToStruct converts an output to its wire message. Field names match
// the output's JSON encoding.
func OutputToStruct(o sink.Output) (*structpb.Struct, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("encode output: %w", err)
	}
	msg := &structpb.Struct{}
	if err := protojson.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("convert output: %w", err)
	}
	return msg, nil
}

// StructToOutput is the inverse of OutputToStruct.
func StructToOutput(msg *structpb.Struct) (sink.Output, error) {
	data, err := protojson.Marshal(msg)
	if err != nil {
		return sink.Output{}, fmt.Errorf("convert message: %w", err)
	}
	var o sink.Output
	if err := json.Unmarshal(data, &o); err != nil {
		return sink.Output{}, fmt.Errorf("decode output: %w", err)
	}
	return o, nil
}
