// Package config loads and validates the JSON run configuration.
//
// Required sections (domain, physics, simulation, output) are plain
// structs; optional values are pointers and read through Get* accessors
// that supply defaults, so partial files are safe.
package config

import (
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"

	"github.com/banshee-data/lattice.flow/internal/fsutil"
	"github.com/banshee-data/lattice.flow/internal/simerr"
	"github.com/banshee-data/lattice.flow/internal/units"
)

// DefaultConfigPath is the path to the canonical example configuration.
const DefaultConfigPath = "config/lbm.defaults.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the root of the run configuration.
type Config struct {
	Domain     Domain     `json:"domain"`
	Physics    Physics    `json:"physics"`
	Simulation Simulation `json:"simulation"`
	Output     Output     `json:"output"`

	Geometry *Geometry `json:"geometry,omitempty"`
	Compute  *Compute  `json:"compute,omitempty"`
	Monitor  *Monitor  `json:"monitor,omitempty"`
}

// Domain is the grid extent and physical spacing.
type Domain struct {
	NX int     `json:"nx"`
	NY int     `json:"ny"`
	NZ int     `json:"nz"`
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
	DZ float64 `json:"dz"`
}

// Physics holds the flow parameters in lattice units.
type Physics struct {
	ReynoldsNumber float64    `json:"reynolds_number"`
	InletVelocity  [3]float64 `json:"inlet_velocity"`
	Density        float64    `json:"density"`
	Viscosity      *float64   `json:"viscosity,omitempty"`
	// CharacteristicLength overrides dx when deriving tau from the
	// Reynolds number.
	CharacteristicLength *float64 `json:"characteristic_length,omitempty"`
}

// Simulation controls the iteration loop.
type Simulation struct {
	MaxIterations        int      `json:"max_iterations"`
	ConvergenceTolerance float64  `json:"convergence_tolerance"`
	Tau                  *float64 `json:"tau,omitempty"`
	ConvergenceInterval  *int     `json:"convergence_interval,omitempty"`
	InstabilityFraction  *float64 `json:"instability_fraction,omitempty"`
}

// Output controls snapshot files.
type Output struct {
	OutputDirectory string  `json:"output_directory"`
	OutputFrequency int     `json:"output_frequency"`
	OutputFormat    string  `json:"output_format"`
	SpeedUnits      *string `json:"speed_units,omitempty"`
}

// Geometry controls voxelisation of the input mesh.
type Geometry struct {
	ChannelWalls *bool `json:"channel_walls,omitempty"`
	// FillInterior marks the enclosed interior of a closed mesh solid.
	FillInterior *bool `json:"fill_interior,omitempty"`
}

// Compute configures the worker pool.
type Compute struct {
	Workers     *int `json:"workers,omitempty"`
	TileX       *int `json:"tile_x,omitempty"`
	TileY       *int `json:"tile_y,omitempty"`
	TileZ       *int `json:"tile_z,omitempty"`
	MaxMemoryMB *int `json:"max_memory_mb,omitempty"`
}

// Monitor configures the optional live surfaces.
type Monitor struct {
	Listen     *string `json:"listen,omitempty"`
	GRPCListen *string `json:"grpc_listen,omitempty"`
	DBPath     *string `json:"db_path,omitempty"`
}

// LoadConfig loads a Config from a JSON file on disk.
func LoadConfig(path string) (*Config, error) {
	return LoadConfigFS(fsutil.OSFileSystem{}, path)
}

// LoadConfigFS loads a Config through fsys. The file must have a .json
// extension and be under 1MB. Every failure wraps simerr.ErrConfig.
func LoadConfigFS(fsys fsutil.FileSystem, path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q: %w", ext, simerr.ErrConfig)
	}

	fileInfo, err := fsys.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w: %w", simerr.ErrConfig, err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d): %w", fileInfo.Size(), maxFileSize, simerr.ErrConfig)
	}

	data, err := fsys.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w: %w", simerr.ErrConfig, err)
	}
	return Parse(data)
}

// Parse decodes and validates a JSON configuration.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w: %w", simerr.ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents. Panics if the file cannot be loaded, intended
// for test setup.
func MustLoadDefaultConfig() *Config {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

func configErr(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), simerr.ErrConfig)
}

// Validate checks that the configuration values are usable.
func (c *Config) Validate() error {
	d := c.Domain
	if d.NX <= 0 || d.NY <= 0 || d.NZ <= 0 {
		return configErr("domain nx, ny, nz must be positive, got %dx%dx%d", d.NX, d.NY, d.NZ)
	}
	if !(d.DX > 0) || !(d.DY > 0) || !(d.DZ > 0) {
		return configErr("domain dx, dy, dz must be positive, got %g, %g, %g", d.DX, d.DY, d.DZ)
	}

	p := c.Physics
	if !(p.Density > 0) {
		return configErr("physics density must be positive, got %g", p.Density)
	}
	u2 := 0.0
	for _, v := range p.InletVelocity {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return configErr("physics inlet_velocity must be finite, got %v", p.InletVelocity)
		}
		u2 += v * v
	}
	if u2 > 1 {
		return configErr("physics inlet_velocity magnitude must be <= 1 lattice unit, got %v", p.InletVelocity)
	}
	if p.Viscosity != nil && !(*p.Viscosity > 0) {
		return configErr("physics viscosity must be positive, got %g", *p.Viscosity)
	}
	if p.CharacteristicLength != nil && !(*p.CharacteristicLength > 0) {
		return configErr("physics characteristic_length must be positive, got %g", *p.CharacteristicLength)
	}

	s := c.Simulation
	if s.MaxIterations < 0 {
		return configErr("simulation max_iterations must be >= 0, got %d", s.MaxIterations)
	}
	if s.ConvergenceTolerance < 0 || math.IsNaN(s.ConvergenceTolerance) {
		return configErr("simulation convergence_tolerance must be >= 0, got %g", s.ConvergenceTolerance)
	}
	if s.ConvergenceInterval != nil && *s.ConvergenceInterval <= 0 {
		return configErr("simulation convergence_interval must be positive, got %d", *s.ConvergenceInterval)
	}
	if s.InstabilityFraction != nil && (*s.InstabilityFraction <= 0 || *s.InstabilityFraction > 1) {
		return configErr("simulation instability_fraction must be in (0, 1], got %g", *s.InstabilityFraction)
	}

	o := c.Output
	if o.OutputFrequency < 0 {
		return configErr("output output_frequency must be >= 0, got %d", o.OutputFrequency)
	}
	if o.OutputFrequency > 0 && o.OutputDirectory == "" {
		return configErr("output output_directory is required when output_frequency > 0")
	}
	if f := o.OutputFormat; f != "" && f != "vtk" {
		return configErr("output output_format %q is not supported (want vtk)", f)
	}
	if o.SpeedUnits != nil && !units.IsValid(*o.SpeedUnits) {
		return configErr("output speed_units must be one of %s, got %q", units.GetValidUnitsString(), *o.SpeedUnits)
	}

	if cp := c.Compute; cp != nil {
		if cp.Workers != nil && *cp.Workers < 0 {
			return configErr("compute workers must be >= 0, got %d", *cp.Workers)
		}
		for name, v := range map[string]*int{"tile_x": cp.TileX, "tile_y": cp.TileY, "tile_z": cp.TileZ} {
			if v != nil && *v <= 0 {
				return configErr("compute %s must be positive, got %d", name, *v)
			}
		}
		if cp.MaxMemoryMB != nil && *cp.MaxMemoryMB < 0 {
			return configErr("compute max_memory_mb must be >= 0, got %d", *cp.MaxMemoryMB)
		}
	}

	if _, err := c.LatticeParameters(); err != nil {
		return err
	}
	return nil
}

// CharacteristicVelocity is the largest inlet velocity component by
// magnitude.
func (c *Config) CharacteristicVelocity() float64 {
	best := 0.0
	for _, v := range c.Physics.InletVelocity {
		best = math.Max(best, math.Abs(v))
	}
	return best
}

// GetCharacteristicLength returns characteristic_length or dx.
func (c *Config) GetCharacteristicLength() float64 {
	if c.Physics.CharacteristicLength == nil {
		return c.Domain.DX
	}
	return *c.Physics.CharacteristicLength
}

// LatticeParameters resolves tau, viscosity and the physical time step.
// An explicit tau wins, then an explicit viscosity, then the Reynolds
// number with the characteristic length and velocity.
func (c *Config) LatticeParameters() (units.LatticeParameters, error) {
	dx := c.Domain.DX
	var tau, nu float64
	switch {
	case c.Simulation.Tau != nil:
		tau = *c.Simulation.Tau
		if err := units.CheckTau(tau); err != nil {
			return units.LatticeParameters{}, fmt.Errorf("simulation tau: %w", err)
		}
		nu = units.ViscosityFromTau(tau)
	case c.Physics.Viscosity != nil:
		nu = *c.Physics.Viscosity
		var err error
		if tau, err = units.TauFromViscosity(nu); err != nil {
			return units.LatticeParameters{}, fmt.Errorf("physics viscosity: %w", err)
		}
	default:
		return units.Convert(c.Physics.ReynoldsNumber, c.GetCharacteristicLength(), c.CharacteristicVelocity(), dx)
	}
	return units.LatticeParameters{
		Viscosity: nu,
		Tau:       tau,
		Dt:        dx * dx / (nu * (tau - 0.5) * 2),
	}, nil
}

// Tau returns the resolved relaxation time.
func (c *Config) Tau() (float64, error) {
	p, err := c.LatticeParameters()
	return p.Tau, err
}

// GetSpeedUnits returns speed_units or m/s.
func (c *Config) GetSpeedUnits() string {
	if c.Output.SpeedUnits == nil {
		return units.MPS
	}
	return *c.Output.SpeedUnits
}

// GetConvergenceInterval returns convergence_interval or 1.
func (c *Config) GetConvergenceInterval() int {
	if c.Simulation.ConvergenceInterval == nil {
		return 1
	}
	return *c.Simulation.ConvergenceInterval
}

// GetInstabilityFraction returns instability_fraction or 0.01.
func (c *Config) GetInstabilityFraction() float64 {
	if c.Simulation.InstabilityFraction == nil {
		return 0.01
	}
	return *c.Simulation.InstabilityFraction
}

// GetChannelWalls returns geometry.channel_walls or false.
func (c *Config) GetChannelWalls() bool {
	if c.Geometry == nil || c.Geometry.ChannelWalls == nil {
		return false
	}
	return *c.Geometry.ChannelWalls
}

// GetFillInterior returns geometry.fill_interior or true.
func (c *Config) GetFillInterior() bool {
	if c.Geometry == nil || c.Geometry.FillInterior == nil {
		return true
	}
	return *c.Geometry.FillInterior
}

// GetWorkers returns compute.workers or 0 (one per CPU).
func (c *Config) GetWorkers() int {
	if c.Compute == nil || c.Compute.Workers == nil {
		return 0
	}
	return *c.Compute.Workers
}

// GetTileShape returns the tile extents, defaulting to 8x8x1.
func (c *Config) GetTileShape() (x, y, z int) {
	x, y, z = 8, 8, 1
	if c.Compute == nil {
		return x, y, z
	}
	if c.Compute.TileX != nil {
		x = *c.Compute.TileX
	}
	if c.Compute.TileY != nil {
		y = *c.Compute.TileY
	}
	if c.Compute.TileZ != nil {
		z = *c.Compute.TileZ
	}
	return x, y, z
}

// GetMaxMemoryBytes returns the compute memory budget in bytes, or 0 for
// unlimited.
func (c *Config) GetMaxMemoryBytes() int64 {
	if c.Compute == nil || c.Compute.MaxMemoryMB == nil {
		return 0
	}
	return int64(*c.Compute.MaxMemoryMB) * 1024 * 1024
}

// GetListen returns monitor.listen or "" (disabled).
func (c *Config) GetListen() string {
	if c.Monitor == nil || c.Monitor.Listen == nil {
		return ""
	}
	return *c.Monitor.Listen
}

// GetGRPCListen returns monitor.grpc_listen or "" (disabled).
func (c *Config) GetGRPCListen() string {
	if c.Monitor == nil || c.Monitor.GRPCListen == nil {
		return ""
	}
	return *c.Monitor.GRPCListen
}

// GetDBPath returns monitor.db_path or "" (disabled).
func (c *Config) GetDBPath() string {
	if c.Monitor == nil || c.Monitor.DBPath == nil {
		return ""
	}
	return *c.Monitor.DBPath
}
