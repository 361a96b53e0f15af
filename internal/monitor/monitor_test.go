package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lattice.flow/internal/fsutil"
	"github.com/banshee-data/lattice.flow/internal/grid"
	"github.com/banshee-data/lattice.flow/internal/httputil"
	"github.com/banshee-data/lattice.flow/internal/lattice"
	"github.com/banshee-data/lattice.flow/internal/solver"
	"github.com/banshee-data/lattice.flow/internal/testutil"
	"github.com/banshee-data/lattice.flow/internal/timeutil"
)

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

func progress(it int, residual float64) solver.Progress {
	return solver.Progress{
		Iteration:   it,
		State:       solver.Running,
		Residual:    residual,
		MaxSpeed:    0.01 * float64(it),
		MeanDensity: 1,
		MLUPS:       2.5,
		Elapsed:     time.Duration(it) * time.Millisecond,
	}
}

func channelSnapshot() *solver.Snapshot {
	d := grid.Dims{NX: 5, NY: 3, NZ: 3}
	s := &solver.Snapshot{
		Iteration:  10,
		NX:         d.NX,
		NY:         d.NY,
		NZ:         d.NZ,
		Spacing:    [3]float64{0.1, 0.1, 0.1},
		RefDensity: 1,
		Velocity:   make([]lattice.Vec3, d.Len()),
		Density:    make([]float64, d.Len()),
		Types:      make([]lattice.NodeType, d.Len()),
	}
	for i := range s.Velocity {
		s.Velocity[i] = lattice.Vec3{0.03, 0.01, 0}
		s.Density[i] = 1
	}
	s.Types[d.Index(2, 1, 1)] = lattice.Solid
	return s
}

func TestHistory(t *testing.T) {
	t.Parallel()

	h := NewHistory(3)
	_, ok := h.Latest()
	assert.False(t, ok)

	for it := 1; it <= 4; it++ {
		h.OnProgress(progress(it, 0.1))
	}
	final := progress(4, 0.01)
	final.State = solver.Converged
	h.OnProgress(final)

	reports := h.Reports()
	require.Len(t, reports, 3)
	assert.Equal(t, []int{2, 3, 4}, []int{reports[0].Iteration, reports[1].Iteration, reports[2].Iteration})

	latest, ok := h.Latest()
	require.True(t, ok)
	assert.Equal(t, solver.Converged, latest.State)

	reports[0].Iteration = 99
	assert.Equal(t, 2, h.Reports()[0].Iteration, "Reports returns a copy")

	assert.Nil(t, h.Snapshot())
	snap := channelSnapshot()
	require.NoError(t, h.WriteSnapshot(context.Background(), snap))
	assert.Same(t, snap, h.Snapshot())
}

func TestNewStatus(t *testing.T) {
	t.Parallel()

	t.Run("first checkpoint", func(t *testing.T) {
		t.Parallel()
		st := NewStatus("run-1", progress(5, math.Inf(1)))
		data, err := json.Marshal(st)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"residual":null`)
		assert.Contains(t, string(data), `"run_id":"run-1"`)
		assert.Equal(t, "running", st.State)
		assert.Equal(t, int64(5), st.ElapsedMS)
	})

	t.Run("blown up", func(t *testing.T) {
		t.Parallel()
		p := progress(5, math.NaN())
		p.MaxSpeed = math.NaN()
		p.State = solver.Failed
		st := NewStatus("", p)
		_, err := json.Marshal(st)
		require.NoError(t, err)
		assert.Nil(t, st.Residual)
		assert.Zero(t, st.MaxSpeed)
		assert.Equal(t, "failed", st.State)
	})
}

func TestResidualPlot(t *testing.T) {
	t.Parallel()

	_, err := ResidualPlot(nil)
	assert.ErrorIs(t, err, ErrNoData)
	_, err = ResidualPlot([]solver.Progress{progress(1, math.Inf(1)), progress(2, 0)})
	assert.ErrorIs(t, err, ErrNoData)

	p, err := ResidualPlot([]solver.Progress{progress(1, math.Inf(1)), progress(2, 0.5), progress(3, 0.05)})
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, WritePNG(&buf, p))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), pngMagic))
}

func TestCentrelinePlot(t *testing.T) {
	t.Parallel()

	_, err := CentrelinePlot(nil)
	assert.ErrorIs(t, err, ErrNoData)

	bad := channelSnapshot()
	bad.Types = bad.Types[:4]
	_, err = CentrelinePlot(bad)
	assert.ErrorIs(t, err, ErrNoData)

	p, err := CentrelinePlot(channelSnapshot())
	require.NoError(t, err)
	assert.Contains(t, p.Title.Text, "iteration 10")
	var buf bytes.Buffer
	require.NoError(t, WritePNG(&buf, p))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), pngMagic))
}

func TestRenderResidualChart(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	reports := []solver.Progress{progress(10, math.Inf(1)), progress(20, 0.25)}
	require.NoError(t, RenderResidualChart(&buf, "abc", reports))
	html := buf.String()
	assert.Contains(t, html, "LBM Convergence")
	assert.Contains(t, html, "run=abc checkpoints=2")
	assert.Contains(t, html, "max speed")
}

func newTestServer(t *testing.T, o Options) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer("127.0.0.1:0", o)
	ts := httptest.NewServer(s.Mux())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return s, ts
}

func TestServerEndpoints(t *testing.T) {
	t.Parallel()

	s, ts := newTestServer(t, Options{RunID: "run-7"})

	for _, path := range []string{"/api/status", "/plots/residual.png", "/plots/centreline.png"} {
		resp, _ := testutil.Get(t, ts.URL+path)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}

	s.OnProgress(progress(10, math.Inf(1)))
	s.OnProgress(progress(20, 0.2))
	require.NoError(t, s.WriteSnapshot(context.Background(), channelSnapshot()))

	resp, body := testutil.Get(t, ts.URL+"/api/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st Status
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, "run-7", st.RunID)
	assert.Equal(t, 20, st.Iteration)
	require.NotNil(t, st.Residual)
	assert.InDelta(t, 0.2, *st.Residual, 1e-12)

	resp, body = testutil.Get(t, ts.URL+"/api/history")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hist []Status
	require.NoError(t, json.Unmarshal(body, &hist))
	require.Len(t, hist, 2)
	assert.Nil(t, hist[0].Residual)

	resp, body = testutil.Get(t, ts.URL+"/charts/residual")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html"))
	assert.Contains(t, string(body), "echarts")

	for _, path := range []string{"/plots/residual.png", "/plots/centreline.png"} {
		resp, body := testutil.Get(t, ts.URL+path)
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
		assert.True(t, bytes.HasPrefix(body, pngMagic), path)
	}

	assert.Equal(t, http.StatusMethodNotAllowed, testutil.Do(t, http.MethodPost, ts.URL+"/api/status"))
}

func dialProgress(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/progress"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads status messages until one for iteration arrives.
func readUntil(t *testing.T, conn *websocket.Conn, iteration int) Status {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var st Status
		require.NoError(t, conn.ReadJSON(&st))
		if st.Iteration == iteration {
			return st
		}
	}
}

func TestServerWebSocketFeed(t *testing.T) {
	t.Parallel()

	s, ts := newTestServer(t, Options{RunID: "ws"})
	s.OnProgress(progress(1, 0.5))

	conn := dialProgress(t, ts)
	st := readUntil(t, conn, 1)
	assert.Equal(t, "ws", st.RunID)

	// The client is registered once the first message has arrived.
	done := progress(2, 0.001)
	done.State = solver.Converged
	s.OnProgress(done)
	st = readUntil(t, conn, 2)
	assert.Equal(t, "converged", st.State)
}

func TestServerWebSocketKeepAlive(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(time.Unix(0, 0))
	s, ts := newTestServer(t, Options{Clock: clock, KeepAlive: time.Second})
	s.OnProgress(progress(1, 0.5))

	conn := dialProgress(t, ts)
	readUntil(t, conn, 1)

	pings := make(chan struct{}, 4)
	conn.SetPingHandler(func(string) error {
		pings <- struct{}{}
		return nil
	})
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	clock.Advance(time.Second)
	select {
	case <-pings:
	case <-time.After(5 * time.Second):
		t.Fatal("no keep-alive ping")
	}
}

func TestServerSendFailsOnClosedConn(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, Options{})
	upgraded := make(chan *websocket.Conn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		upgraded <- conn
	}))
	t.Cleanup(ts.Close)

	dialProgress(t, ts)
	var conn *websocket.Conn
	select {
	case conn = <-upgraded:
	case <-time.After(5 * time.Second):
		t.Fatal("no upgraded connection")
	}
	require.NoError(t, conn.Close())

	var mu sync.Mutex
	assert.Error(t, s.send(conn, &mu, websocket.TextMessage, []byte(`{}`)))
	assert.Error(t, s.send(conn, &mu, websocket.PingMessage, nil))
}

func TestServerCloseDisconnectsClients(t *testing.T) {
	t.Parallel()

	s, ts := newTestServer(t, Options{})
	s.OnProgress(progress(1, 0.5))
	conn := dialProgress(t, ts)
	readUntil(t, conn, 1)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	// Reports after Close still land in the history.
	s.OnProgress(progress(2, 0.1))
	latest, _ := s.History().Latest()
	assert.Equal(t, 2, latest.Iteration)
}

func TestServerStart(t *testing.T) {
	t.Parallel()

	t.Run("stops on cancel", func(t *testing.T) {
		t.Parallel()
		s := NewServer("127.0.0.1:0", Options{})
		defer s.Close()
		ctx, cancel := context.WithCancel(context.Background())
		errc := make(chan error, 1)
		go func() { errc <- s.Start(ctx) }()
		cancel()
		select {
		case err := <-errc:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("Start did not return")
		}
	})

	t.Run("bad address", func(t *testing.T) {
		t.Parallel()
		s := NewServer("127.0.0.1:99999", Options{})
		defer s.Close()
		assert.Error(t, s.Start(context.Background()))
	})
}

func TestServerObservesSolver(t *testing.T) {
	t.Parallel()

	sv := testutil.NewChannelSolver(t, grid.Dims{NX: 6, NY: 4, NZ: 4}, false, testutil.ChannelParams(0.8, 0.02, 6, 2, 3))

	s := NewServer("127.0.0.1:0", Options{})
	defer s.Close()
	sv.AddObserver(s)
	sv.AddSink(s)

	_, err := sv.Run(context.Background())
	require.NoError(t, err)

	latest, ok := s.History().Latest()
	require.True(t, ok)
	assert.Equal(t, solver.MaxIterationsReached, latest.State)
	assert.Equal(t, 6, latest.Iteration)
	require.NotNil(t, s.History().Snapshot())
	assert.Equal(t, 6, s.History().Snapshot().Iteration)
	assert.Len(t, s.History().Reports(), 3)
}

func TestServerFiles(t *testing.T) {
	t.Parallel()

	fsys := fsutil.NewMemoryFileSystem()
	require.NoError(t, fsys.WriteFile("out/output_000003.vtk", []byte("# vtk DataFile Version 3.0\n"), 0o644))
	require.NoError(t, fsys.WriteFile("out/simulation.pvd", []byte("<VTKFile/>"), 0o644))
	require.NoError(t, fsys.WriteFile("out/runs.db", []byte("sqlite"), 0o644))

	_, ts := newTestServer(t, Options{Files: fsys, OutputDir: "out"})

	resp, body := testutil.Get(t, ts.URL+"/files/output_000003.vtk")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	assert.True(t, strings.HasPrefix(string(body), "# vtk"))

	resp, _ = testutil.Get(t, ts.URL+"/files/simulation.pvd")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/xml", resp.Header.Get("Content-Type"))

	tests := []struct {
		path string
		want int
	}{
		{"/files/runs.db", http.StatusNotFound},
		{"/files/output_999999.vtk", http.StatusNotFound},
		{"/files/a%5Cb.vtk", http.StatusBadRequest},
	}
	for _, tt := range tests {
		resp, body := testutil.Get(t, ts.URL+tt.path)
		assert.Equal(t, tt.want, resp.StatusCode, tt.path)
		var e httputil.ErrorResponse
		require.NoError(t, json.Unmarshal(body, &e), tt.path)
		assert.NotEmpty(t, e.Error, tt.path)
	}

	_, bare := newTestServer(t, Options{})
	resp, _ = testutil.Get(t, bare.URL+"/files/output_000003.vtk")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
