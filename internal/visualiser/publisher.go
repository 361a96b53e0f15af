// Package visualiser streams simulation progress to external viewers over
// gRPC. A Publisher is attached to the solver as an observer and snapshot
// sink and fans frames out to every subscribed client.
package visualiser

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/lattice.flow/internal/solver"
)

// Config holds configuration for the visualiser gRPC server.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "localhost:50051")
	ListenAddr string

	// RunID is stamped on every frame.
	RunID string

	// MaxClients is the maximum number of concurrent streaming clients
	MaxClients int

	// ClientBuffer is the per-client frame queue depth.
	ClientBuffer int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   "localhost:50051",
		MaxClients:   5,
		ClientBuffer: 16,
	}
}

// Publisher manages the gRPC server and frame streaming.
type Publisher struct {
	config Config
	server *grpc.Server

	frameChan chan *Frame
	clients   map[string]*clientStream
	clientsMu sync.RWMutex

	lastMu       sync.Mutex
	lastProgress *solver.Progress

	seq           atomic.Uint64
	droppedFrames atomic.Uint64

	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type clientStream struct {
	id        string
	snapshots bool
	frameCh   chan *Frame
}

// NewPublisher creates a Publisher with its gRPC server and the progress
// service registered.
func NewPublisher(cfg Config) *Publisher {
	def := DefaultConfig()
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = def.MaxClients
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = def.ClientBuffer
	}
	p := &Publisher{
		config:    cfg,
		frameChan: make(chan *Frame, 100),
		clients:   make(map[string]*clientStream),
		stopCh:    make(chan struct{}),
	}
	p.server = grpc.NewServer()
	RegisterService(p.server, p)
	return p
}

// Start listens on the configured address and serves in the background.
func (p *Publisher) Start() error {
	lis, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	go func() {
		if err := p.Serve(lis); err != nil {
			logs.Opsf("gRPC server error: %v", err)
		}
	}()
	return nil
}

// Serve runs the broadcast loop and serves gRPC on lis until Stop.
func (p *Publisher) Serve(lis net.Listener) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("publisher already running")
	}
	p.wg.Add(1)
	go p.broadcastLoop()

	logs.Opsf("gRPC progress feed listening on %s", lis.Addr())
	if err := p.server.Serve(lis); err != nil && p.running.Load() {
		return err
	}
	return nil
}

// Stop ends every stream and stops the gRPC server.
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() {
		p.running.Store(false)
		close(p.stopCh)
		p.server.GracefulStop()
		p.wg.Wait()
		logs.Diagf("gRPC server stopped (%d frames, %d dropped)", p.seq.Load(), p.droppedFrames.Load())
	})
}

// Publish queues a frame for every client. Frames are dropped when the
// queue is full or the publisher is not running.
func (p *Publisher) Publish(f *Frame) {
	if f == nil || !p.running.Load() {
		return
	}
	f.Seq = p.seq.Add(1)
	f.RunID = p.config.RunID
	select {
	case p.frameChan <- f:
	default:
		dropped := p.droppedFrames.Add(1)
		logs.Diagf("dropped frame %d (total dropped: %d), channel full", f.Seq, dropped)
	}
}

// OnProgress implements solver.Observer.
func (p *Publisher) OnProgress(pr solver.Progress) {
	p.lastMu.Lock()
	p.lastProgress = &pr
	p.lastMu.Unlock()
	p.Publish(&Frame{Type: FrameTypeProgress, Progress: pr})
}

// WriteSnapshot implements solver.SnapshotSink by publishing the
// centreline profile. It never fails.
func (p *Publisher) WriteSnapshot(_ context.Context, s *solver.Snapshot) error {
	p.Publish(&Frame{
		Type:       FrameTypeSnapshot,
		Progress:   solver.Progress{Iteration: s.Iteration},
		Dims:       [3]int{s.NX, s.NY, s.NZ},
		Centreline: centreline(s),
	})
	return nil
}

// Dropped returns the number of frames that never reached the broadcast
// queue or a client queue.
func (p *Publisher) Dropped() uint64 { return p.droppedFrames.Load() }

// ClientCount returns the number of subscribed clients.
func (p *Publisher) ClientCount() int {
	p.clientsMu.RLock()
	defer p.clientsMu.RUnlock()
	return len(p.clients)
}

func (p *Publisher) broadcastLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case f := <-p.frameChan:
			p.clientsMu.RLock()
			for _, c := range p.clients {
				if f.Type == FrameTypeSnapshot && !c.snapshots {
					continue
				}
				select {
				case c.frameCh <- f:
				default:
					p.droppedFrames.Add(1)
					logs.Tracef("client %s slow, dropped frame %d", c.id, f.Seq)
				}
			}
			p.clientsMu.RUnlock()
		}
	}
}

func (p *Publisher) addClient(snapshots bool) (*clientStream, error) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if len(p.clients) >= p.config.MaxClients {
		return nil, status.Errorf(codes.ResourceExhausted, "client limit %d reached", p.config.MaxClients)
	}
	c := &clientStream{
		id:        uuid.New().String(),
		snapshots: snapshots,
		frameCh:   make(chan *Frame, p.config.ClientBuffer),
	}
	p.clients[c.id] = c
	logs.Diagf("client %s subscribed (%d total)", c.id, len(p.clients))
	return c, nil
}

func (p *Publisher) removeClient(id string) {
	p.clientsMu.Lock()
	delete(p.clients, id)
	n := len(p.clients)
	p.clientsMu.Unlock()
	logs.Diagf("client %s unsubscribed (%d remaining)", id, n)
}

// StreamProgress implements ProgressServer. The first frame is a hello
// carrying the latest known progress.
func (p *Publisher) StreamProgress(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	snapshots := req.GetFields()["snapshots"].GetBoolValue()
	c, err := p.addClient(snapshots)
	if err != nil {
		return err
	}
	defer p.removeClient(c.id)

	hello := &Frame{Type: FrameTypeHello, RunID: p.config.RunID}
	p.lastMu.Lock()
	if p.lastProgress != nil {
		hello.Progress = *p.lastProgress
	}
	p.lastMu.Unlock()
	if err := p.send(stream, hello); err != nil {
		return err
	}

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return nil
		case f := <-c.frameCh:
			if err := p.send(stream, f); err != nil {
				return err
			}
		}
	}
}

func (p *Publisher) send(stream grpc.ServerStreamingServer[structpb.Struct], f *Frame) error {
	msg, err := frameToProto(f)
	if err != nil {
		return status.Errorf(codes.Internal, "encode frame %d: %v", f.Seq, err)
	}
	return stream.Send(msg)
}
