package visualiser

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/banshee-data/depthview/internal/monitoring"
)

// maxMsgSize covers two full 1280x720 clouds with room to spare.
const maxMsgSize = 32 * 1024 * 1024

// Config holds configuration for the publisher and its gRPC server.
type Config struct {
	// ListenAddr is the gRPC address; empty disables the gRPC server while
	// in-process subscribers still receive frames.
	ListenAddr string

	// MaxClients bounds concurrent subscribers, gRPC and in-process together.
	MaxClients int

	// ClientBuffer is the per-subscriber queue length.
	ClientBuffer int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   "localhost:50061",
		MaxClients:   8,
		ClientBuffer: 10,
	}
}

var (
	// ErrNotStarted is returned by Subscribe before Start.
	ErrNotStarted = errors.New("publisher not started")
	// ErrTooManyClients is returned by Subscribe when MaxClients is reached.
	ErrTooManyClients = errors.New("too many clients")
)

// Publisher fans frames out to subscribers.
type Publisher struct {
	config   Config
	server   *grpc.Server
	listener net.Listener

	frameChan chan *FrameBundle
	clients   map[string]*clientStream
	clientsMu sync.RWMutex

	frameCount    atomic.Uint64
	pointCount    atomic.Uint64
	clientCount   atomic.Int32
	droppedFrames atomic.Uint64

	// rate logging window
	windowMu     sync.Mutex
	windowStart  time.Time
	windowFrames uint64

	latest atomic.Pointer[FrameBundle]

	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// clientStream is one subscriber.
type clientStream struct {
	id        string
	request   *StreamRequest
	frameCh   chan *FrameBundle
	connected time.Time
	queued    atomic.Uint64
	dropped   atomic.Uint64
}

// NewPublisher creates a Publisher with the given configuration.
func NewPublisher(cfg Config) *Publisher {
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = 10
	}
	return &Publisher{
		config:    cfg,
		frameChan: make(chan *FrameBundle, 100),
		clients:   make(map[string]*clientStream),
		stopCh:    make(chan struct{}),
	}
}

// Start runs the broadcast loop and, when ListenAddr is set, binds and
// serves the gRPC viewer service.
func (p *Publisher) Start() error {
	if p.config.ListenAddr == "" {
		return p.Serve(nil)
	}
	lis, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.config.ListenAddr, err)
	}
	return p.Serve(lis)
}

// Serve is Start on an existing listener. A nil listener starts only the
// broadcast loop.
func (p *Publisher) Serve(lis net.Listener) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("publisher already running")
	}

	p.wg.Add(1)
	go p.broadcastLoop()

	if lis == nil {
		return nil
	}
	p.listener = lis
	p.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	)
	RegisterViewerServer(p.server, NewServer(p))

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		log.Printf("[Visualiser] streaming point clouds on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			log.Printf("[Visualiser] gRPC serve failed: %v", err)
		}
	}()
	return nil
}

// Addr returns the gRPC listen address, or nil when not serving.
func (p *Publisher) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Stop stops the gRPC server and closes every subscriber channel.
func (p *Publisher) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.stopOnce.Do(func() { close(p.stopCh) })

	if p.server != nil {
		// Streams only end when their context is cancelled.
		p.server.Stop()
	}
	if p.listener != nil {
		p.listener.Close()
	}
	p.wg.Wait()

	p.clientsMu.Lock()
	for id, c := range p.clients {
		close(c.frameCh)
		delete(p.clients, id)
	}
	p.clientCount.Store(0)
	p.clientsMu.Unlock()
	st := p.Stats()
	log.Printf("[Visualiser] stopped after %d frames (%d points, %d dropped)", st.FrameCount, st.PointCount, st.DroppedFrames)
}

// Publish queues a frame for every subscriber without blocking. Frames are
// dropped when the queue is full.
func (p *Publisher) Publish(frame *FrameBundle) {
	if frame == nil || !p.running.Load() {
		return
	}
	p.latest.Store(frame)

	select {
	case p.frameChan <- frame:
		p.frameCount.Add(1)
		p.pointCount.Add(uint64(frame.PointCount()))
		p.logRate()
	default:
		if n := p.droppedFrames.Add(1); n%100 == 1 {
			log.Printf("[Visualiser] broadcast queue full, dropped frame %d (%d dropped so far)", frame.FrameID, n)
		}
	}
}

// Latest returns the most recently published frame, or nil.
func (p *Publisher) Latest() *FrameBundle {
	return p.latest.Load()
}

// statsEvery is how often Publish logs its frame rate.
const statsEvery = 30 * time.Second

func (p *Publisher) logRate() {
	p.windowMu.Lock()
	defer p.windowMu.Unlock()
	now := time.Now()
	p.windowFrames++
	if p.windowStart.IsZero() {
		p.windowStart = now
		return
	}
	if el := now.Sub(p.windowStart); el >= statsEvery {
		monitoring.Logf("[Visualiser] %.1f frames/s to %d client(s), queue %d/%d",
			float64(p.windowFrames)/el.Seconds(), p.clientCount.Load(), len(p.frameChan), cap(p.frameChan))
		p.windowStart, p.windowFrames = now, 0
	}
}

// broadcastLoop distributes frames to all subscribers.
func (p *Publisher) broadcastLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case frame := <-p.frameChan:
			p.clientsMu.RLock()
			for _, c := range p.clients {
				select {
				case c.frameCh <- frame:
					c.queued.Add(1)
				default:
					c.dropped.Add(1)
					p.droppedFrames.Add(1)
				}
			}
			p.clientsMu.RUnlock()
		}
	}
}

// Subscribe registers an in-process consumer. The channel is closed by
// Unsubscribe or Stop. Frames on it are shared and must not be modified;
// use FrameBundle.ForRequest with the same request to get a filtered view.
func (p *Publisher) Subscribe(prefix string, req *StreamRequest) (string, <-chan *FrameBundle, error) {
	if req == nil {
		req = &StreamRequest{IncludePoints: true}
	}
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if !p.running.Load() {
		return "", nil, ErrNotStarted
	}
	if p.config.MaxClients > 0 && len(p.clients) >= p.config.MaxClients {
		return "", nil, ErrTooManyClients
	}
	id := prefix + "-" + uuid.NewString()
	c := &clientStream{
		id:        id,
		request:   req,
		frameCh:   make(chan *FrameBundle, p.config.ClientBuffer),
		connected: time.Now(),
	}
	p.clients[id] = c
	n := p.clientCount.Add(1)
	log.Printf("[Visualiser] subscriber %s joined (serial=%q points=%t, %d total)", id, req.Serial, req.IncludePoints, n)
	return id, c.frameCh, nil
}

// Unsubscribe removes a consumer and closes its channel.
func (p *Publisher) Unsubscribe(id string) {
	p.clientsMu.Lock()
	c, ok := p.clients[id]
	if ok {
		delete(p.clients, id)
		close(c.frameCh)
	}
	p.clientsMu.Unlock()
	if ok {
		n := p.clientCount.Add(-1)
		log.Printf("[Visualiser] subscriber %s left after %d frames, %d dropped (%d remaining)", id, c.queued.Load(), c.dropped.Load(), n)
	}
}

// ClientInfo describes a subscriber for status pages.
type ClientInfo struct {
	ID        string    `json:"id"`
	Serial    string    `json:"serial,omitempty"`
	Points    bool      `json:"include_points"`
	Connected time.Time `json:"connected"`
	Frames    uint64    `json:"frames"`
	Dropped   uint64    `json:"dropped"`
}

// Clients lists current subscribers.
func (p *Publisher) Clients() []ClientInfo {
	p.clientsMu.RLock()
	defer p.clientsMu.RUnlock()
	out := make([]ClientInfo, 0, len(p.clients))
	for _, c := range p.clients {
		out = append(out, ClientInfo{
			ID:        c.id,
			Serial:    c.request.Serial,
			Points:    c.request.IncludePoints,
			Connected: c.connected,
			Frames:    c.queued.Load(),
			Dropped:   c.dropped.Load(),
		})
	}
	return out
}

// PublisherStats are the publisher's running totals. DroppedFrames counts
// both frames the broadcast queue refused and per-subscriber drops.
type PublisherStats struct {
	FrameCount    uint64 `json:"frame_count"`
	PointCount    uint64 `json:"point_count"`
	DroppedFrames uint64 `json:"dropped_frames"`
	ClientCount   int32  `json:"client_count"`
	Running       bool   `json:"running"`
}

// Stats returns current publisher statistics.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		FrameCount:    p.frameCount.Load(),
		PointCount:    p.pointCount.Load(),
		DroppedFrames: p.droppedFrames.Load(),
		ClientCount:   p.clientCount.Load(),
		Running:       p.running.Load(),
	}
}
