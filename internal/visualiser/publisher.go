// Package visualiser streams aligned point clouds to live viewers and
// renders registration diagnostics.
//
// Publisher fans aligned clouds out over websockets. Plotter draws each ICP
// iteration's correspondences to PNG files.
package visualiser

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/banshee-data/localise/internal/cloud"
	"github.com/banshee-data/localise/internal/registration"
)

const (
	frameQueueSize  = 100
	clientQueueSize = 10
	writeWait       = 5 * time.Second
)

// StreamPath is where Start serves the websocket stream.
const StreamPath = "/stream"

// Config holds configuration for the cloud publisher.
type Config struct {
	// ListenAddr is the address Start listens on. Empty means no listener;
	// mount the Publisher as an http.Handler instead.
	ListenAddr string

	// SensorID is stamped on every frame
	SensorID string

	// MaxClients caps concurrent websocket clients; 0 means no limit
	MaxClients int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr: "localhost:8765",
		SensorID:   "localise",
		MaxClients: 5,
	}
}

// CloudFrame is one aligned cloud as sent to viewers. Points are stored as
// parallel arrays.
type CloudFrame struct {
	ID             string    `json:"id"`
	FrameID        uint64    `json:"frame_id"`
	TimestampNanos int64     `json:"timestamp_nanos"`
	SensorID       string    `json:"sensor_id"`
	PointCount     int       `json:"point_count"`
	X              []float32 `json:"x"`
	Y              []float32 `json:"y"`
	Z              []float32 `json:"z"`
	Intensity      []uint16  `json:"intensity"`
}

// NewCloudFrame copies c into a frame.
func NewCloudFrame(frameID uint64, sensorID string, c cloud.PointCloud, ts time.Time) *CloudFrame {
	f := &CloudFrame{
		ID:             uuid.NewString(),
		FrameID:        frameID,
		TimestampNanos: ts.UnixNano(),
		SensorID:       sensorID,
		PointCount:     len(c),
		X:              make([]float32, len(c)),
		Y:              make([]float32, len(c)),
		Z:              make([]float32, len(c)),
		Intensity:      make([]uint16, len(c)),
	}
	for i, p := range c {
		f.X[i] = float32(p.X)
		f.Y[i] = float32(p.Y)
		f.Z[i] = float32(p.Z)
		f.Intensity[i] = uint16(p.Intensity)
	}
	return f
}

// Cloud converts the frame back into points.
func (f *CloudFrame) Cloud() cloud.PointCloud {
	if f == nil {
		return nil
	}
	c := make(cloud.PointCloud, f.PointCount)
	for i := range c {
		c[i] = cloud.Point{
			X:         float64(f.X[i]),
			Y:         float64(f.Y[i]),
			Z:         float64(f.Z[i]),
			Intensity: uint8(f.Intensity[i]),
		}
	}
	return c
}

// Publisher broadcasts aligned clouds to websocket clients. Publish never
// blocks: frames are dropped when the queue or a client is full.
type Publisher struct {
	config   Config
	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader

	frameChan chan *CloudFrame
	clients   map[string]*clientStream
	clientsMu sync.RWMutex

	latest atomic.Pointer[CloudFrame]

	// Stats
	seq           atomic.Uint64
	frameCount    atomic.Uint64
	clientCount   atomic.Int32
	droppedFrames atomic.Uint64

	// Lifecycle
	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

var _ registration.Publisher = (*Publisher)(nil)

// clientStream is one connected viewer.
type clientStream struct {
	id      string
	frameCh chan *CloudFrame
	doneCh  chan struct{}
}

// NewPublisher creates a new Publisher with the given configuration.
func NewPublisher(cfg Config) *Publisher {
	return &Publisher{
		config:    cfg,
		frameChan: make(chan *CloudFrame, frameQueueSize),
		clients:   make(map[string]*clientStream),
		stopCh:    make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start launches the broadcast loop and, when ListenAddr is set, an HTTP
// server exposing the stream at StreamPath.
func (p *Publisher) Start() error {
	if p.running.Load() {
		return fmt.Errorf("publisher already running")
	}

	if p.config.ListenAddr != "" {
		lis, err := net.Listen("tcp", p.config.ListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen: %w", err)
		}
		p.listener = lis
		mux := http.NewServeMux()
		mux.Handle(StreamPath, p)
		p.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	}

	p.running.Store(true)

	p.wg.Add(1)
	go p.broadcastLoop()

	if p.server != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			log.Printf("[Visualiser] cloud stream listening on %s%s", p.listener.Addr(), StreamPath)
			if err := p.server.Serve(p.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[Visualiser] stream server error: %v", err)
			}
		}()
	}
	return nil
}

// Addr returns the listener address, or nil when Start did not listen.
func (p *Publisher) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Stop disconnects every client and stops the server.
func (p *Publisher) Stop() {
	if !p.running.Swap(false) {
		return
	}
	close(p.stopCh)

	if p.server != nil {
		p.server.Close()
	}

	p.clientsMu.Lock()
	for id, c := range p.clients {
		close(c.doneCh)
		delete(p.clients, id)
		p.clientCount.Add(-1)
	}
	p.clientsMu.Unlock()

	p.wg.Wait()
	log.Printf("[Visualiser] publisher stopped")
}

// Publish queues c for every connected client and records it as the
// latest frame.
func (p *Publisher) Publish(c cloud.PointCloud) {
	if !p.running.Load() {
		return
	}

	frame := NewCloudFrame(p.seq.Add(1), p.config.SensorID, c, time.Now())
	p.latest.Store(frame)

	select {
	case p.frameChan <- frame:
		p.frameCount.Add(1)
	default:
		dropped := p.droppedFrames.Add(1)
		log.Printf("[Visualiser] DROPPED frame %d (total dropped: %d), channel full, points=%d",
			frame.FrameID, dropped, frame.PointCount)
	}
}

// Latest returns the most recently published frame, or nil.
func (p *Publisher) Latest() *CloudFrame {
	return p.latest.Load()
}

// broadcastLoop distributes frames to all connected clients.
func (p *Publisher) broadcastLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case frame := <-p.frameChan:
			p.clientsMu.RLock()
			for _, client := range p.clients {
				select {
				case client.frameCh <- frame:
				default:
					// Slow client, drop for this client only.
					p.droppedFrames.Add(1)
				}
			}
			p.clientsMu.RUnlock()
		}
	}
}

// addClient registers a new streaming client.
func (p *Publisher) addClient(id string) *clientStream {
	client := &clientStream{
		id:      id,
		frameCh: make(chan *CloudFrame, clientQueueSize),
		doneCh:  make(chan struct{}),
	}

	p.clientsMu.Lock()
	p.clients[id] = client
	p.clientsMu.Unlock()

	p.clientCount.Add(1)
	log.Printf("[Visualiser] Client connected: %s (total: %d)", id, p.clientCount.Load())
	return client
}

// removeClient unregisters a streaming client. Unknown ids are ignored.
func (p *Publisher) removeClient(id string) {
	p.clientsMu.Lock()
	client, ok := p.clients[id]
	if ok {
		close(client.doneCh)
		delete(p.clients, id)
	}
	p.clientsMu.Unlock()

	if ok {
		p.clientCount.Add(-1)
		log.Printf("[Visualiser] Client disconnected: %s (remaining: %d)", id, p.clientCount.Load())
	}
}

// ServeHTTP upgrades the request to a websocket and streams frames as JSON
// text messages until either side goes away.
func (p *Publisher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !p.running.Load() {
		http.Error(w, "publisher not running", http.StatusServiceUnavailable)
		return
	}
	if limit := p.config.MaxClients; limit > 0 && int(p.clientCount.Load()) >= limit {
		http.Error(w, "too many clients", http.StatusServiceUnavailable)
		return
	}

	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Visualiser] websocket upgrade error: %v", err)
		return
	}

	client := p.addClient(uuid.NewString())
	go p.readLoop(conn, client.id)
	p.writeLoop(conn, client)
}

// readLoop discards client messages and notices disconnects.
func (p *Publisher) readLoop(conn *websocket.Conn, id string) {
	defer p.removeClient(id)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[Visualiser] read error from %s: %v", id, err)
			}
			return
		}
	}
}

func (p *Publisher) writeLoop(conn *websocket.Conn, client *clientStream) {
	defer conn.Close()
	for {
		select {
		case <-client.doneCh:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait))
			return
		case frame := <-client.frameCh:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(frame); err != nil {
				log.Printf("[Visualiser] write error to %s: %v", client.id, err)
				p.removeClient(client.id)
				return
			}
		}
	}
}

// Stats returns current publisher statistics.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		FrameCount:    p.frameCount.Load(),
		ClientCount:   p.clientCount.Load(),
		DroppedFrames: p.droppedFrames.Load(),
		Running:       p.running.Load(),
	}
}

// PublisherStats contains publisher statistics.
type PublisherStats struct {
	FrameCount    uint64
	ClientCount   int32
	DroppedFrames uint64
	Running       bool
}
