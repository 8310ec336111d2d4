package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/localise/internal/cloud"
	"github.com/banshee-data/localise/internal/config"
	"github.com/banshee-data/localise/internal/localise"
	"github.com/banshee-data/localise/internal/monitor"
	"github.com/banshee-data/localise/internal/registration"
	"github.com/banshee-data/localise/internal/registration/icp"
	"github.com/banshee-data/localise/internal/storage/sqlite"
	"github.com/banshee-data/localise/internal/version"
	"github.com/banshee-data/localise/internal/visualiser"
)

var (
	configFile    = flag.String("config", "", "Path to a registration JSON config (default: built-in defaults)")
	referenceFile = flag.String("reference", "", "Reference map LAS file")
	ambientFiles  = flag.String("ambient", "", "Comma-separated list of scan LAS files, registered in order")
	dbFile        = flag.String("db", "", "Path to the SQLite pose journal (empty disables journalling)")
	listen        = flag.String("listen", "", "Debug HTTP listen address; keeps serving after the scans until interrupted")
	outDir        = flag.String("out", "", "Directory for aligned LAS output (empty disables)")
	sessionID     = flag.String("session", "", "Session id for journal records (default: random UUID)")
	seed          = flag.Int64("seed", 0, "Sample consensus seed (0: time based)")
	verbose       = flag.Bool("v", false, "Enable diagnostic and per-registration logging")
	showVersion   = flag.Bool("version", false, "Print version information and exit")
)

type options struct {
	configFile string
	reference  string
	ambient    []string
	dbFile     string
	listen     string
	outDir     string
	sessionID  string
	seed       int64
	verbose    bool
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("localise %s\n", version.String())
		return
	}

	opts := options{
		configFile: *configFile,
		reference:  *referenceFile,
		ambient:    splitList(*ambientFiles),
		dbFile:     *dbFile,
		listen:     *listen,
		outDir:     *outDir,
		sessionID:  *sessionID,
		seed:       *seed,
		verbose:    *verbose,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		log.Fatal(err)
	}
}

// splitList splits a comma-separated flag value, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func loadConfig(path string) (*config.RegistrationConfig, error) {
	if path == "" {
		return config.DefaultRegistrationConfig(), nil
	}
	return config.LoadRegistrationConfig(path)
}

func run(ctx context.Context, opts options) error {
	if opts.reference == "" {
		return errors.New("-reference is required")
	}
	if len(opts.ambient) == 0 {
		return errors.New("-ambient requires at least one scan")
	}

	logs := registration.VerboseLogWriters(os.Stderr, opts.verbose)
	registration.SetLogWriters(logs)
	localise.SetLogWriters(logs.Ops, logs.Diag)

	cfg, err := loadConfig(opts.configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	reference, err := cloud.ReadFile(opts.reference)
	if err != nil {
		return fmt.Errorf("read reference: %w", err)
	}

	id := opts.sessionID
	if id == "" {
		id = uuid.NewString()
	}
	log.Printf("localise %s, session %s", version.String(), id)

	var icpOpts []icp.Option
	if opts.seed != 0 {
		icpOpts = append(icpOpts, icp.WithSeed(opts.seed))
	}
	sessionOpts := []localise.Option{localise.WithSessionID(id)}

	var store *sqlite.PoseStore
	if opts.dbFile != "" {
		store, err = sqlite.OpenPoseStore(opts.dbFile)
		if err != nil {
			return fmt.Errorf("open pose journal: %w", err)
		}
		defer store.Close()
		sessionOpts = append(sessionOpts, localise.WithJournal(store))
	}

	var pub *visualiser.Publisher
	if opts.listen != "" {
		pub = visualiser.NewPublisher(visualiser.Config{SensorID: id, MaxClients: 5})
		if err := pub.Start(); err != nil {
			return fmt.Errorf("start publisher: %w", err)
		}
		defer pub.Stop()
		sessionOpts = append(sessionOpts, localise.WithPublisher(pub))
	}

	if cfg.GetDisplayAlignment() {
		plotDir := filepath.Join(cfg.GetPlotDir(), id)
		sessionOpts = append(sessionOpts, localise.WithVisualizerFactory(func() registration.Visualizer {
			return visualiser.NewPlotter(plotDir)
		}))
		log.Printf("Alignment plots will be written to %s", plotDir)
	}

	session := localise.NewSession(cfg, icp.New(icpOpts...), sessionOpts...)
	defer session.Close()

	if err := session.SetReferenceCloud(reference); err != nil {
		return err
	}

	var serverDone chan error
	serverCtx, cancelServer := context.WithCancel(ctx)
	defer cancelServer()
	if opts.listen != "" {
		wsCfg := monitor.WebServerConfig{
			Address:   opts.listen,
			SessionID: id,
			Frames:    pub,
			Stream:    pub,
		}
		if store != nil {
			wsCfg.Poses = store
		}
		ws := monitor.NewWebServer(wsCfg)
		serverDone = make(chan error, 1)
		go func() { serverDone <- ws.Start(serverCtx) }()
	}

	if opts.outDir != "" {
		if err := os.MkdirAll(opts.outDir, 0755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	for _, path := range opts.ambient {
		if ctx.Err() != nil {
			break
		}
		if err := processScan(session, path, opts.outDir); err != nil {
			return err
		}
	}

	stats := session.Stats()
	x, y, z := session.Pose().Translation()
	log.Printf("Session %s: %d scans, %d converged, %d failed; final pose t=(%.3f, %.3f, %.3f) yaw=%.4f",
		id, stats.Processed, stats.Converged, stats.Failed, x, y, z, session.Pose().Yaw())

	if serverDone != nil {
		log.Printf("Serving debug pages on %s until interrupted", opts.listen)
		select {
		case err := <-serverDone:
			return err
		case <-ctx.Done():
		}
		cancelServer()
		select {
		case err := <-serverDone:
			return err
		case <-time.After(3 * time.Second):
		}
	}
	return nil
}

func processScan(session *localise.Session, path, outDir string) error {
	scan, err := cloud.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read scan %s: %w", path, err)
	}

	start := time.Now()
	res, err := session.Process(scan)
	if err != nil {
		return fmt.Errorf("process %s: %w", path, err)
	}
	elapsed := time.Since(start)

	if !res.Converged {
		log.Printf("%s: registration failed after %d iterations (%s), pose unchanged",
			filepath.Base(path), res.Iterations, elapsed.Round(time.Millisecond))
		return nil
	}
	x, y, z := res.Pose.Translation()
	log.Printf("%s: converged in %d iterations (%s), fit %s, pose t=(%.3f, %.3f, %.3f) yaw=%.4f",
		filepath.Base(path), res.Iterations, elapsed.Round(time.Millisecond), res.Quality, x, y, z, res.Pose.Yaw())

	if outDir == "" {
		return nil
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)) + "_aligned.las"
	if err := cloud.WriteLAS(res.Cloud, filepath.Join(outDir, name)); err != nil {
		return fmt.Errorf("write aligned %s: %w", name, err)
	}
	return nil
}
