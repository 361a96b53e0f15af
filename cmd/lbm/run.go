package main

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/banshee-data/lattice.flow/internal/compute"
	"github.com/banshee-data/lattice.flow/internal/config"
	"github.com/banshee-data/lattice.flow/internal/db"
	"github.com/banshee-data/lattice.flow/internal/fsutil"
	"github.com/banshee-data/lattice.flow/internal/geometry"
	"github.com/banshee-data/lattice.flow/internal/grid"
	"github.com/banshee-data/lattice.flow/internal/lattice"
	"github.com/banshee-data/lattice.flow/internal/monitor"
	"github.com/banshee-data/lattice.flow/internal/monitoring"
	"github.com/banshee-data/lattice.flow/internal/output"
	"github.com/banshee-data/lattice.flow/internal/solver"
	"github.com/banshee-data/lattice.flow/internal/stage"
	"github.com/banshee-data/lattice.flow/internal/units"
	"github.com/banshee-data/lattice.flow/internal/version"
	"github.com/banshee-data/lattice.flow/internal/visualiser"
)

// runOptions carries the command-line overrides. Empty fields fall back
// to the configuration.
type runOptions struct {
	GeometryPath string
	OutputDir    string
	DBPath       string
	Listen       string
	GRPCListen   string

	FS fsutil.FileSystem
}

func (o runOptions) resolve(cfg *config.Config) runOptions {
	if o.OutputDir == "" {
		o.OutputDir = cfg.Output.OutputDirectory
	}
	if o.OutputDir == "" {
		o.OutputDir = "output"
	}
	if o.DBPath == "" {
		o.DBPath = cfg.GetDBPath()
	}
	if o.Listen == "" {
		o.Listen = cfg.GetListen()
	}
	if o.GRPCListen == "" {
		o.GRPCListen = cfg.GetGRPCListen()
	}
	if o.FS == nil {
		o.FS = fsutil.OSFileSystem{}
	}
	return o
}

func domainOf(cfg *config.Config) geometry.Domain {
	return geometry.Domain{
		Dims:    grid.Dims{NX: cfg.Domain.NX, NY: cfg.Domain.NY, NZ: cfg.Domain.NZ},
		Spacing: [3]float64{cfg.Domain.DX, cfg.Domain.DY, cfg.Domain.DZ},
	}
}

// buildGeometry voxelises the STL at path onto the domain, or builds an
// open channel when path is empty.
func buildGeometry(fsys fsutil.FileSystem, cfg *config.Config, path string) ([]lattice.NodeType, error) {
	d := domainOf(cfg)
	opts := geometry.Options{
		ChannelWalls: cfg.GetChannelWalls(),
		FillInterior: cfg.GetFillInterior(),
	}
	if path == "" {
		return geometry.Channel(d.Dims, opts)
	}
	mesh, err := geometry.LoadSTL(fsys, path)
	if err != nil {
		return nil, err
	}
	return geometry.Voxelize(mesh, d, opts)
}

func solverParams(cfg *config.Config, lp units.LatticeParameters) solver.Params {
	tx, ty, tz := cfg.GetTileShape()
	return solver.Params{
		Stage: stage.Params{
			Tau:        lp.Tau,
			RefDensity: cfg.Physics.Density,
			Inlet:      lattice.Vec3(cfg.Physics.InletVelocity),
		},
		MaxIterations:       cfg.Simulation.MaxIterations,
		Tolerance:           cfg.Simulation.ConvergenceTolerance,
		ConvergenceInterval: cfg.GetConvergenceInterval(),
		OutputInterval:      cfg.Output.OutputFrequency,
		InstabilityFraction: cfg.GetInstabilityFraction(),
		Spacing:             domainOf(cfg).Spacing,
		Compute: compute.Options{
			Workers:        cfg.GetWorkers(),
			Tile:           grid.TileShape{X: tx, Y: ty, Z: tz},
			MaxMemoryBytes: cfg.GetMaxMemoryBytes(),
		},
	}
}

// progressLogger reports each checkpoint through logf with the peak speed
// in the configured physical units.
func progressLogger(cfg *config.Config, dt float64, logf func(string, ...interface{})) solver.Observer {
	unit := cfg.GetSpeedUnits()
	return solver.ObserverFunc(func(p solver.Progress) {
		mps := units.PhysicalSpeed(p.MaxSpeed, cfg.Domain.DX, dt)
		logf("iteration %d %s: residual %.3e, max speed %.4g %s, mean density %.5f, %.2f MLUPS",
			p.Iteration, p.State, p.Residual, units.ConvertSpeed(mps, unit), unit, p.MeanDensity, p.MLUPS)
	})
}

// run executes one simulation described by cfg. Live surfaces (database,
// HTTP monitor, gRPC feed) are attached when their address or path is
// set. It returns the solver result and the first error.
func run(ctx context.Context, cfg *config.Config, o runOptions) (res solver.Result, err error) {
	o = o.resolve(cfg)
	lp, err := cfg.LatticeParameters()
	if err != nil {
		return res, err
	}

	types, err := buildGeometry(o.FS, cfg, o.GeometryPath)
	if err != nil {
		return res, err
	}
	d := domainOf(cfg)
	log.Printf("geometry %s: %s", d.Dims, geometry.Count(types))

	sv, err := solver.New(d.Dims, types, solverParams(cfg, lp))
	if err != nil {
		return res, err
	}
	defer sv.Close()
	sv.AddObserver(progressLogger(cfg, lp.Dt, monitoring.Logf))

	writer, err := output.NewWriter(o.FS, o.OutputDir, lp.Dt)
	if err != nil {
		return res, err
	}
	if _, err := writer.WriteGeometry(d.Dims.NX, d.Dims.NY, d.Dims.NZ, d.Spacing, types); err != nil {
		return res, err
	}
	files := output.NewAsyncSink(writer, 4)
	sv.AddSink(files)

	var runID string
	var database *db.DB
	var records *output.AsyncSink
	if o.DBPath != "" {
		if database, err = db.Open(o.DBPath); err != nil {
			files.Close()
			return res, err
		}
		defer database.Close()
		cfgJSON, _ := json.Marshal(cfg)
		runID, err = database.CreateRun(ctx, db.Run{
			Version:      version.String(),
			ConfigJSON:   string(cfgJSON),
			GeometryPath: o.GeometryPath,
			NX:           d.Dims.NX,
			NY:           d.Dims.NY,
			NZ:           d.Dims.NZ,
			Tau:          lp.Tau,
		})
		if err != nil {
			files.Close()
			return res, err
		}
		rec := database.NewRecorder(runID)
		records = output.NewAsyncSink(rec, 2)
		sv.AddObserver(rec)
		sv.AddSink(records)
		log.Printf("recording run %s in %s", runID, o.DBPath)
	}

	liveCtx, stopLive := context.WithCancel(ctx)
	var live sync.WaitGroup
	defer func() {
		stopLive()
		live.Wait()
	}()

	if o.Listen != "" {
		srv := monitor.NewServer(o.Listen, monitor.Options{
			RunID:     runID,
			Files:     o.FS,
			OutputDir: o.OutputDir,
		})
		defer srv.Close()
		if database != nil {
			if err := database.AttachAdminRoutes(srv.Mux()); err != nil {
				log.Printf("admin routes unavailable: %v", err)
			}
		}
		sv.AddObserver(srv)
		sv.AddSink(srv)
		live.Add(1)
		go func() {
			defer live.Done()
			if err := srv.Start(liveCtx); err != nil {
				log.Printf("monitor stopped: %v", err)
			}
		}()
	}

	if o.GRPCListen != "" {
		pub := visualiser.NewPublisher(visualiser.Config{ListenAddr: o.GRPCListen, RunID: runID})
		if err := pub.Start(); err != nil {
			log.Printf("gRPC feed unavailable: %v", err)
		} else {
			defer pub.Stop()
			sv.AddObserver(pub)
			sv.AddSink(pub)
		}
	}

	res, err = sv.Run(ctx)

	if cerr := files.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if records != nil {
		if cerr := records.Close(); cerr != nil {
			log.Printf("run database snapshots incomplete: %v", cerr)
		}
	}
	if len(writer.Entries()) > 0 {
		if _, cerr := writer.WriteCollection(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if database != nil {
		// The run context may already be canceled.
		if ferr := database.FinishRun(context.Background(), runID, res, err); ferr != nil {
			log.Printf("failed to record run outcome: %v", ferr)
		}
	}
	return res, err
}
