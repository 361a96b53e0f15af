// Package monitor serves the live state of a simulation run over HTTP
// and a websocket progress feed.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"gonum.org/v1/plot"

	"github.com/banshee-data/lattice.flow/internal/fsutil"
	"github.com/banshee-data/lattice.flow/internal/httputil"
	"github.com/banshee-data/lattice.flow/internal/security"
	"github.com/banshee-data/lattice.flow/internal/solver"
	"github.com/banshee-data/lattice.flow/internal/timeutil"
)

const (
	// DefaultKeepAlive is the websocket ping period.
	DefaultKeepAlive = 30 * time.Second

	writeWait   = 5 * time.Second
	updateDepth = 64
)

// Options configures a Server.
type Options struct {
	// RunID is reported in every status message.
	RunID string

	// HistoryLimit bounds the retained progress reports.
	HistoryLimit int

	// KeepAlive is the websocket ping period.
	KeepAlive time.Duration

	Clock timeutil.Clock

	// Files and OutputDir expose the run's VTK and PVD output under
	// /files/. The route is not mounted when Files is nil.
	Files     fsutil.FileSystem
	OutputDir string
}

// Server serves the live state of one run over HTTP: JSON status and
// history, a residual chart, PNG plots and a websocket progress feed.
// It implements solver.Observer and solver.SnapshotSink.
type Server struct {
	address string
	runID   string
	history *History
	clock   timeutil.Clock
	keep    time.Duration
	files   fsutil.FileSystem
	outDir  string

	mux      *http.ServeMux
	server   *http.Server
	upgrader websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]*sync.Mutex

	updates   chan solver.Progress
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewServer creates a server for address and starts its broadcast loop.
// Close stops it.
func NewServer(address string, o Options) *Server {
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = DefaultKeepAlive
	}
	s := &Server{
		address: address,
		runID:   o.RunID,
		history: NewHistory(o.HistoryLimit),
		clock:   o.Clock,
		keep:    o.KeepAlive,
		files:   o.Files,
		outDir:  o.OutputDir,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]*sync.Mutex),
		updates: make(chan solver.Progress, updateDepth),
		done:    make(chan struct{}),
	}
	s.mux = s.setupRoutes()
	s.server = &http.Server{
		Addr:              address,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ticker := s.clock.NewTicker(s.keep)
	s.wg.Add(1)
	go s.broadcastLoop(ticker)
	return s
}

// Mux exposes the route table so other packages can attach handlers.
func (s *Server) Mux() *http.ServeMux { return s.mux }

// History returns the recorded progress.
func (s *Server) History() *History { return s.history }

func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /charts/residual", s.handleResidualChart)
	mux.HandleFunc("GET /plots/residual.png", s.handleResidualPNG)
	mux.HandleFunc("GET /plots/centreline.png", s.handleCentrelinePNG)
	mux.HandleFunc("GET /ws/progress", s.handleWebSocket)
	if s.files != nil {
		mux.HandleFunc("GET /files/{name...}", s.handleFile)
	}
	return mux
}

// OnProgress implements solver.Observer. It never blocks; updates that
// arrive while the feed is backed up are dropped from the feed but kept
// in the history.
func (s *Server) OnProgress(p solver.Progress) {
	s.history.OnProgress(p)
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.updates <- p:
	default:
		logs.Diagf("feed backed up, dropped iteration %d", p.Iteration)
	}
}

// WriteSnapshot implements solver.SnapshotSink.
func (s *Server) WriteSnapshot(ctx context.Context, snap *solver.Snapshot) error {
	return s.history.WriteSnapshot(ctx, snap)
}

// Start serves HTTP until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}
	logs.Opsf("monitor listening on http://%s", ln.Addr())

	errc := make(chan error, 1)
	go func() { errc <- s.server.Serve(ln) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("monitor server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		logs.Opsf("monitor shutdown error: %v", err)
		if err := s.server.Close(); err != nil {
			logs.Opsf("monitor force close error: %v", err)
		}
	}
	logs.Diagf("monitor stopped")
	return nil
}

// Close stops the broadcast loop and disconnects websocket clients.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()

		s.clientsMu.Lock()
		for conn := range s.clients {
			conn.Close()
			delete(s.clients, conn)
		}
		s.clientsMu.Unlock()
	})
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := s.history.Latest()
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, errors.New("no progress reported yet"))
		return
	}
	s.writeJSON(w, NewStatus(s.runID, p))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	reports := s.history.Reports()
	out := make([]Status, len(reports))
	for i, p := range reports {
		out[i] = NewStatus(s.runID, p)
	}
	s.writeJSON(w, out)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	if err := httputil.WriteJSON(w, http.StatusOK, v); err != nil {
		logs.Diagf("failed to write response: %v", err)
	}
}

func (s *Server) handleResidualChart(w http.ResponseWriter, r *http.Request) {
	reports := s.history.Reports()
	httputil.Render(w, "text/html; charset=utf-8", func(out io.Writer) error {
		return RenderResidualChart(out, s.runID, reports)
	})
}

func (s *Server) handleResidualPNG(w http.ResponseWriter, r *http.Request) {
	p, err := ResidualPlot(s.history.Reports())
	writePlot(w, p, err)
}

func (s *Server) handleCentrelinePNG(w http.ResponseWriter, r *http.Request) {
	p, err := CentrelinePlot(s.history.Snapshot())
	writePlot(w, p, err)
}

func writePlot(w http.ResponseWriter, p *plot.Plot, err error) {
	switch {
	case errors.Is(err, ErrNoData):
		httputil.WriteError(w, http.StatusNotFound, err)
	case err != nil:
		httputil.WriteError(w, http.StatusInternalServerError, err)
	default:
		httputil.Render(w, "image/png", func(out io.Writer) error { return WritePNG(out, p) })
	}
}

// handleFile serves one VTK or PVD file from the output directory.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !security.HasExtension(name, ".vtk", ".pvd") {
		httputil.WriteError(w, http.StatusNotFound, fmt.Errorf("%q is not a simulation output file", name))
		return
	}
	p, err := security.JoinWithin(s.outDir, name)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err)
		return
	}
	data, err := s.files.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		httputil.WriteError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		logs.Opsf("failed to read %s: %v", p, err)
		httputil.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	contentType := "application/octet-stream"
	if security.HasExtension(name, ".pvd") {
		contentType = "application/xml"
	}
	httputil.Write(w, http.StatusOK, contentType, data)
}

// handleWebSocket streams a Status message for every progress report. The
// latest known status is sent on connect.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logs.Diagf("websocket upgrade failed: %v", err)
		return
	}
	mu := &sync.Mutex{}

	s.clientsMu.Lock()
	select {
	case <-s.done:
		s.clientsMu.Unlock()
		conn.Close()
		return
	default:
	}
	s.clients[conn] = mu
	n := len(s.clients)
	s.clientsMu.Unlock()
	logs.Diagf("websocket client %s connected (%d total)", r.RemoteAddr, n)

	if p, ok := s.history.Latest(); ok {
		if data, err := json.Marshal(NewStatus(s.runID, p)); err == nil {
			if err := s.send(conn, mu, websocket.TextMessage, data); err != nil {
				s.drop(conn)
				return
			}
		}
	}

	// Reading drives control frames and notices the client going away.
	for {
		if _, _, err := conn.NextReader(); err != nil {
			s.drop(conn)
			return
		}
	}
}

func (s *Server) send(conn *websocket.Conn, mu *sync.Mutex, kind int, data []byte) error {
	mu.Lock()
	defer mu.Unlock()
	deadline := time.Now().Add(writeWait)
	if kind == websocket.PingMessage {
		return conn.WriteControl(kind, data, deadline)
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	return conn.WriteMessage(kind, data)
}

func (s *Server) drop(conn *websocket.Conn) {
	s.clientsMu.Lock()
	_, ok := s.clients[conn]
	delete(s.clients, conn)
	s.clientsMu.Unlock()
	if ok {
		conn.Close()
		logs.Diagf("websocket client %s disconnected", conn.RemoteAddr())
	}
}

// broadcast sends data to every client, dropping those that fail.
func (s *Server) broadcast(kind int, data []byte) {
	s.clientsMu.RLock()
	targets := make(map[*websocket.Conn]*sync.Mutex, len(s.clients))
	for c, mu := range s.clients {
		targets[c] = mu
	}
	s.clientsMu.RUnlock()

	for conn, mu := range targets {
		if err := s.send(conn, mu, kind, data); err != nil {
			logs.Diagf("websocket send failed: %v", err)
			s.drop(conn)
		}
	}
}

func (s *Server) broadcastLoop(ticker timeutil.Ticker) {
	defer s.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case p := <-s.updates:
			data, err := json.Marshal(NewStatus(s.runID, p))
			if err != nil {
				logs.Opsf("failed to encode progress: %v", err)
				continue
			}
			s.broadcast(websocket.TextMessage, data)
		case <-ticker.C():
			s.broadcast(websocket.PingMessage, nil)
		}
	}
}
