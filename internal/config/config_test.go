package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lattice.flow/internal/fsutil"
	"github.com/banshee-data/lattice.flow/internal/simerr"
	"github.com/banshee-data/lattice.flow/internal/units"
)

const minimal = `{
  "domain": {"nx": 10, "ny": 6, "nz": 4, "dx": 1, "dy": 1, "dz": 1},
  "physics": {"reynolds_number": 100, "inlet_velocity": [0.05, 0, 0], "density": 1},
  "simulation": {"max_iterations": 50, "convergence_tolerance": 1e-6},
  "output": {"output_directory": "out", "output_frequency": 0, "output_format": ""}
}`

func withSection(t *testing.T, section, body string) string {
	t.Helper()
	i := strings.Index(minimal, `"`+section+`"`)
	require.GreaterOrEqual(t, i, 0)
	end := strings.Index(minimal[i:], "}") + i + 1
	return minimal[:i] + `"` + section + `": ` + body + minimal[end:]
}

func TestMustLoadDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := MustLoadDefaultConfig()
	assert.Equal(t, Domain{NX: 64, NY: 32, NZ: 32, DX: 0.01, DY: 0.01, DZ: 0.01}, cfg.Domain)
	assert.Equal(t, [3]float64{0.05, 0, 0}, cfg.Physics.InletVelocity)

	tau, err := cfg.Tau()
	require.NoError(t, err)
	assert.InDelta(t, 0.6, tau, 1e-12)

	assert.Equal(t, 10, cfg.GetConvergenceInterval())
	assert.Equal(t, units.MPS, cfg.GetSpeedUnits())
	assert.Equal(t, int64(4096)*1024*1024, cfg.GetMaxMemoryBytes())
}

func TestLoadConfigFS(t *testing.T) {
	t.Parallel()

	fsys := fsutil.NewMemoryFileSystem()
	require.NoError(t, fsys.WriteFile("runs/channel.json", []byte(minimal), 0o644))
	require.NoError(t, fsys.WriteFile("runs/channel.yaml", []byte(minimal), 0o644))
	require.NoError(t, fsys.WriteFile("runs/big.json", make([]byte, maxFileSize+1), 0o644))
	require.NoError(t, fsys.WriteFile("runs/broken.json", []byte(`{"domain":`), 0o644))

	cfg, err := LoadConfigFS(fsys, "runs/./channel.json")
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Domain.NX)

	for name, path := range map[string]string{
		"extension": "runs/channel.yaml",
		"missing":   "runs/none.json",
		"too large": "runs/big.json",
		"syntax":    "runs/broken.json",
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := LoadConfigFS(fsys, path)
			require.Error(t, err)
			assert.ErrorIs(t, err, simerr.ErrConfig)
			assert.Equal(t, "ConfigError", simerr.Kind(err))
		})
	}
}

func TestLoadConfigFromDisk(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "run.json")
	require.NoError(t, os.WriteFile(path, []byte(minimal), 0o644))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Simulation.MaxIterations)
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()

	cases := map[string]struct{ section, body string }{
		"zero nx":             {"domain", `{"nx": 0, "ny": 6, "nz": 4, "dx": 1, "dy": 1, "dz": 1}`},
		"negative dy":         {"domain", `{"nx": 10, "ny": 6, "nz": 4, "dx": 1, "dy": -1, "dz": 1}`},
		"zero density":        {"physics", `{"reynolds_number": 100, "inlet_velocity": [0.05, 0, 0], "density": 0}`},
		"fast inlet":          {"physics", `{"reynolds_number": 100, "inlet_velocity": [0.8, 0.8, 0], "density": 1}`},
		"zero reynolds":       {"physics", `{"reynolds_number": 0, "inlet_velocity": [0.05, 0, 0], "density": 1}`},
		"negative viscosity":  {"physics", `{"reynolds_number": 100, "inlet_velocity": [0.05, 0, 0], "density": 1, "viscosity": -0.1}`},
		"negative iterations": {"simulation", `{"max_iterations": -1, "convergence_tolerance": 1e-6}`},
		"negative tolerance":  {"simulation", `{"max_iterations": 1, "convergence_tolerance": -1}`},
		"zero interval":       {"simulation", `{"max_iterations": 1, "convergence_tolerance": 1, "convergence_interval": 0}`},
		"fraction above one":  {"simulation", `{"max_iterations": 1, "convergence_tolerance": 1, "instability_fraction": 2}`},
		"format":              {"output", `{"output_directory": "out", "output_frequency": 1, "output_format": "hdf5"}`},
		"no directory":        {"output", `{"output_directory": "", "output_frequency": 1, "output_format": "vtk"}`},
		"speed units":         {"output", `{"output_directory": "out", "output_frequency": 0, "output_format": "", "speed_units": "knots"}`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(withSection(t, tc.section, tc.body)))
			assert.ErrorIs(t, err, simerr.ErrConfig)
		})
	}
}

func TestValidateCompute(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)

	bad := -1
	cfg.Compute = &Compute{Workers: &bad}
	assert.ErrorIs(t, cfg.Validate(), simerr.ErrConfig)

	zero := 0
	cfg.Compute = &Compute{TileZ: &zero}
	assert.ErrorIs(t, cfg.Validate(), simerr.ErrConfig)
}

func TestLatticeParametersResolution(t *testing.T) {
	t.Parallel()

	t.Run("reynolds", func(t *testing.T) {
		t.Parallel()
		cfg, err := Parse([]byte(minimal))
		require.NoError(t, err)
		p, err := cfg.LatticeParameters()
		require.NoError(t, err)
		assert.InDelta(t, 0.0005, p.Viscosity, 1e-15)
		assert.InDelta(t, 0.5015, p.Tau, 1e-12)
		assert.InEpsilon(t, 1/(0.0005*0.0015*2), p.Dt, 1e-9)
	})

	t.Run("characteristic length", func(t *testing.T) {
		t.Parallel()
		cfg, err := Parse([]byte(withSection(t, "physics",
			`{"reynolds_number": 10, "inlet_velocity": [0, -0.1, 0], "density": 1, "characteristic_length": 2}`)))
		require.NoError(t, err)
		assert.InDelta(t, 0.1, cfg.CharacteristicVelocity(), 1e-15)
		tau, err := cfg.Tau()
		require.NoError(t, err)
		assert.InDelta(t, 3*0.02+0.5, tau, 1e-12)
	})

	t.Run("viscosity beats reynolds", func(t *testing.T) {
		t.Parallel()
		cfg, err := Parse([]byte(withSection(t, "physics",
			`{"reynolds_number": 100, "inlet_velocity": [0.05, 0, 0], "density": 1, "viscosity": 0.1}`)))
		require.NoError(t, err)
		tau, err := cfg.Tau()
		require.NoError(t, err)
		assert.InDelta(t, 0.8, tau, 1e-12)
	})

	t.Run("tau beats viscosity", func(t *testing.T) {
		t.Parallel()
		cfg, err := Parse([]byte(minimal))
		require.NoError(t, err)
		nu, tau := 0.1, 0.9
		cfg.Physics.Viscosity = &nu
		cfg.Simulation.Tau = &tau
		p, err := cfg.LatticeParameters()
		require.NoError(t, err)
		assert.InDelta(t, 0.9, p.Tau, 1e-12)
		assert.InDelta(t, 0.4/3, p.Viscosity, 1e-12)
	})

	t.Run("tau at the limit", func(t *testing.T) {
		t.Parallel()
		_, err := Parse([]byte(withSection(t, "simulation",
			`{"max_iterations": 1, "convergence_tolerance": 1e-6, "tau": 0.5}`)))
		assert.ErrorIs(t, err, simerr.ErrInvalidRelaxationTime)
		assert.Equal(t, "InvalidRelaxationTime", simerr.Kind(err))
	})

	t.Run("negative reynolds", func(t *testing.T) {
		t.Parallel()
		_, err := Parse([]byte(withSection(t, "physics",
			`{"reynolds_number": -100, "inlet_velocity": [0.05, 0, 0], "density": 1}`)))
		assert.ErrorIs(t, err, simerr.ErrInvalidRelaxationTime)
	})
}

func TestGetDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, 1.0, cfg.GetCharacteristicLength())
	assert.Equal(t, units.MPS, cfg.GetSpeedUnits())
	assert.Equal(t, 1, cfg.GetConvergenceInterval())
	assert.Equal(t, 0.01, cfg.GetInstabilityFraction())
	assert.False(t, cfg.GetChannelWalls())
	assert.True(t, cfg.GetFillInterior())
	assert.Equal(t, 0, cfg.GetWorkers())
	x, y, z := cfg.GetTileShape()
	assert.Equal(t, []int{8, 8, 1}, []int{x, y, z})
	assert.Zero(t, cfg.GetMaxMemoryBytes())
	assert.Empty(t, cfg.GetListen())
	assert.Empty(t, cfg.GetGRPCListen())
	assert.Empty(t, cfg.GetDBPath())
}

func TestGetOverrides(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)

	walls, fill, workers, tx, mb := true, false, 3, 16, 2
	listen, grpcAddr, dbPath, unit := ":8080", ":9090", "runs.db", units.KMPH
	cfg.Geometry = &Geometry{ChannelWalls: &walls, FillInterior: &fill}
	cfg.Compute = &Compute{Workers: &workers, TileX: &tx, MaxMemoryMB: &mb}
	cfg.Monitor = &Monitor{Listen: &listen, GRPCListen: &grpcAddr, DBPath: &dbPath}
	cfg.Output.SpeedUnits = &unit
	require.NoError(t, cfg.Validate())

	assert.True(t, cfg.GetChannelWalls())
	assert.False(t, cfg.GetFillInterior())
	assert.Equal(t, 3, cfg.GetWorkers())
	x, y, z := cfg.GetTileShape()
	assert.Equal(t, []int{16, 8, 1}, []int{x, y, z})
	assert.Equal(t, int64(2<<20), cfg.GetMaxMemoryBytes())
	assert.Equal(t, ":8080", cfg.GetListen())
	assert.Equal(t, ":9090", cfg.GetGRPCListen())
	assert.Equal(t, "runs.db", cfg.GetDBPath())
	assert.Equal(t, units.KMPH, cfg.GetSpeedUnits())
}
