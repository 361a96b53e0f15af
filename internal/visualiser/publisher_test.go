package visualiser

import (
	"context"
	"math"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/lattice.flow/internal/grid"
	"github.com/banshee-data/lattice.flow/internal/lattice"
	"github.com/banshee-data/lattice.flow/internal/solver"
	"github.com/banshee-data/lattice.flow/internal/testutil"
)

// startPublisher serves p on an in-memory listener and returns a client
// connection to it.
func startPublisher(t *testing.T, p *Publisher) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go p.Serve(lis)
	t.Cleanup(p.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func subscribe(t *testing.T, ctx context.Context, conn *grpc.ClientConn, snapshots bool) grpc.ServerStreamingClient[structpb.Struct] {
	t.Helper()
	req, err := structpb.NewStruct(map[string]interface{}{"snapshots": snapshots})
	require.NoError(t, err)
	stream, err := StreamProgress(ctx, conn, req)
	require.NoError(t, err)
	return stream
}

func recvType(t *testing.T, stream grpc.ServerStreamingClient[structpb.Struct]) (string, map[string]interface{}) {
	t.Helper()
	msg, err := stream.Recv()
	require.NoError(t, err)
	m := msg.AsMap()
	return m["type"].(string), m
}

func TestFrameToProto(t *testing.T) {
	t.Parallel()

	msg, err := frameToProto(&Frame{
		Seq:   3,
		RunID: "r1",
		Type:  FrameTypeProgress,
		Progress: solver.Progress{
			Iteration: 40,
			State:     solver.Converged,
			Residual:  math.Inf(1),
			MaxSpeed:  0.05,
			Elapsed:   1500 * time.Millisecond,
		},
	})
	require.NoError(t, err)
	m := msg.AsMap()
	assert.Equal(t, "progress", m["type"])
	assert.Equal(t, "r1", m["run_id"])
	assert.Equal(t, float64(40), m["iteration"])
	assert.Equal(t, "converged", m["state"])
	assert.Nil(t, m["residual"])
	assert.Equal(t, 0.05, m["max_speed"])
	assert.Equal(t, float64(1500), m["elapsed_ms"])

	msg, err = frameToProto(&Frame{
		Type:       FrameTypeSnapshot,
		Dims:       [3]int{3, 1, 1},
		Centreline: []float64{0.1, math.NaN(), 0},
	})
	require.NoError(t, err)
	m = msg.AsMap()
	assert.Equal(t, []interface{}{float64(3), float64(1), float64(1)}, m["dims"])
	assert.Equal(t, []interface{}{0.1, nil, float64(0)}, m["centreline"])
}

func TestCentreline(t *testing.T) {
	t.Parallel()

	d := grid.Dims{NX: 3, NY: 3, NZ: 1}
	s := &solver.Snapshot{
		NX:       d.NX,
		NY:       d.NY,
		NZ:       d.NZ,
		Velocity: make([]lattice.Vec3, d.Len()),
		Types:    make([]lattice.NodeType, d.Len()),
	}
	for x := 0; x < 3; x++ {
		s.Velocity[d.Index(x, 1, 0)] = lattice.Vec3{0.03, 0.04, 0}
	}
	s.Types[d.Index(1, 1, 0)] = lattice.Solid
	got := centreline(s)
	require.Len(t, got, 3)
	assert.InDelta(t, 0.05, got[0], 1e-12)
	assert.Zero(t, got[1])
	assert.InDelta(t, 0.05, got[2], 1e-12)

	assert.Nil(t, centreline(nil))
	s.Types = s.Types[:2]
	assert.Nil(t, centreline(s))
}

func TestStreamProgress(t *testing.T) {
	t.Parallel()

	p := NewPublisher(Config{RunID: "run-9"})
	conn := startPublisher(t, p)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream := subscribe(t, ctx, conn, false)
	typ, hello := recvType(t, stream)
	require.Equal(t, "hello", typ)
	assert.Equal(t, "run-9", hello["run_id"])
	assert.Equal(t, 1, p.ClientCount())

	// Snapshot frames are filtered for clients that did not ask for them.
	require.NoError(t, p.WriteSnapshot(ctx, &solver.Snapshot{Iteration: 5}))
	p.OnProgress(solver.Progress{Iteration: 10, State: solver.Running, Residual: 0.2})

	typ, m := recvType(t, stream)
	require.Equal(t, "progress", typ)
	assert.Equal(t, float64(10), m["iteration"])
	assert.Equal(t, 0.2, m["residual"])
	assert.Equal(t, "run-9", m["run_id"])

	cancel()
	assert.Eventually(t, func() bool { return p.ClientCount() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestStreamProgressHelloCarriesLatest(t *testing.T) {
	t.Parallel()

	p := NewPublisher(Config{})
	p.OnProgress(solver.Progress{Iteration: 7, State: solver.Running})
	conn := startPublisher(t, p)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	typ, m := recvType(t, subscribe(t, ctx, conn, false))
	require.Equal(t, "hello", typ)
	assert.Equal(t, float64(7), m["iteration"])
}

func TestStreamProgressClientLimit(t *testing.T) {
	t.Parallel()

	p := NewPublisher(Config{MaxClients: 1})
	conn := startPublisher(t, p)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	first := subscribe(t, ctx, conn, false)
	typ, _ := recvType(t, first)
	require.Equal(t, "hello", typ)

	second := subscribe(t, ctx, conn, false)
	_, err := second.Recv()
	require.Error(t, err)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}

func TestStopEndsStreams(t *testing.T) {
	t.Parallel()

	p := NewPublisher(Config{})
	conn := startPublisher(t, p)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream := subscribe(t, ctx, conn, false)
	recvType(t, stream)

	p.Stop()
	p.Stop()
	_, err := stream.Recv()
	assert.Error(t, err)

	// Publishing after Stop is a no-op.
	p.OnProgress(solver.Progress{Iteration: 1})
	assert.Zero(t, p.ClientCount())
}

func TestPublisherFollowsSolver(t *testing.T) {
	t.Parallel()

	p := NewPublisher(Config{ClientBuffer: 64})
	conn := startPublisher(t, p)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream := subscribe(t, ctx, conn, true)
	typ, _ := recvType(t, stream)
	require.Equal(t, "hello", typ)

	dims := grid.Dims{NX: 6, NY: 4, NZ: 4}
	sv := testutil.NewChannelSolver(t, dims, false, testutil.ChannelParams(0.8, 0.02, 4, 2, 4))
	sv.AddObserver(p)
	sv.AddSink(p)
	_, err := sv.Run(ctx)
	require.NoError(t, err)

	// Snapshots at 0 and 4, checkpoints at 2 and 4, and the final report.
	var snapshots, progress int
	var last map[string]interface{}
	for snapshots+progress < 5 {
		typ, m := recvType(t, stream)
		switch typ {
		case "snapshot":
			snapshots++
			assert.Len(t, m["centreline"], dims.NX)
		case "progress":
			progress++
			last = m
		}
	}
	assert.Equal(t, 2, snapshots)
	assert.Equal(t, "max_iterations_reached", last["state"])
	assert.Zero(t, p.Dropped())
}
