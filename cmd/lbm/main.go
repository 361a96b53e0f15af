// Command lbm runs a D3Q27 lattice-Boltzmann simulation of incompressible
// flow through a voxelised geometry and writes VTK snapshots.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/lattice.flow/internal/config"
	"github.com/banshee-data/lattice.flow/internal/db"
	"github.com/banshee-data/lattice.flow/internal/geometry"
	"github.com/banshee-data/lattice.flow/internal/monitor"
	"github.com/banshee-data/lattice.flow/internal/monitoring"
	"github.com/banshee-data/lattice.flow/internal/output"
	"github.com/banshee-data/lattice.flow/internal/simerr"
	"github.com/banshee-data/lattice.flow/internal/solver"
	"github.com/banshee-data/lattice.flow/internal/version"
	"github.com/banshee-data/lattice.flow/internal/visualiser"
)

var (
	outputDir   = flag.String("output", "", "Output directory (overrides output.output_directory)")
	dbPath      = flag.String("db", "", "sqlite run database (overrides monitor.db_path)")
	listen      = flag.String("listen", "", "HTTP monitor address (overrides monitor.listen)")
	grpcListen  = flag.String("grpc", "", "gRPC progress feed address (overrides monitor.grpc_listen)")
	logLevel    = flag.String("log-level", "ops", "Log level: ops, diag or trace")
	quiet       = flag.Bool("quiet", false, "Suppress per-checkpoint progress lines")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

var errUsage = errors.New("usage: lbm [flags] <config.json> <geometry.stl>")

// parseArgs returns the configuration and geometry paths from the
// positional arguments. Both are required.
func parseArgs(args []string) (configPath, geometryPath string, err error) {
	if len(args) != 2 || args[0] == "" || args[1] == "" {
		return "", "", errUsage
	}
	return args[0], args[1], nil
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintln(out, errUsage)
	flag.PrintDefaults()
}

func setLogLevel(level string) {
	ops, diag, trace := monitoring.ParseLevel(level).Writers(os.Stderr)
	for _, set := range []func(ops, diag, trace io.Writer){
		solver.SetLogWriters,
		geometry.SetLogWriters,
		output.SetLogWriters,
		db.SetLogWriters,
		monitor.SetLogWriters,
		visualiser.SetLogWriters,
	} {
		set(ops, diag, trace)
	}
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	setLogLevel(*logLevel)
	log.SetPrefix("[lbm] ")
	if *quiet {
		monitoring.SetLogger(nil)
	}

	configPath, geometryPath, err := parseArgs(flag.Args())
	if err != nil {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	opts := runOptions{
		GeometryPath: geometryPath,
		OutputDir:    *outputDir,
		DBPath:       *dbPath,
		Listen:       *listen,
		GRPCListen:   *grpcListen,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := run(ctx, cfg, opts)
	if err != nil {
		stop()
		log.Fatalf("run failed after %d iterations (%s): %v", res.Iterations, simerr.Kind(err), err)
	}
	log.Printf("%s after %d iterations, residual %.3e, %.2f MLUPS", res.State, res.Iterations, res.Residual, res.MLUPS)
}
