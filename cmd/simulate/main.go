// Command simulate drives one end-to-end acquisition against in-memory
// fake hardware, the way cmd/radar is a runnable demonstration of the
// teacher's own pipeline.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/scanacq/engine/acquisition"
	"github.com/scanacq/engine/internal/config"
	"github.com/scanacq/engine/internal/grid"
	"github.com/scanacq/engine/internal/hwadapter"
	"github.com/scanacq/engine/internal/version"
)

var (
	repX        = flag.Int("rep-x", 8, "Repetition in X")
	repY        = flag.Int("rep-y", 8, "Repetition in Y")
	exposure    = flag.Duration("exposure", 5*time.Millisecond, "Camera exposure time")
	fuzzing     = flag.Bool("fuzzing", false, "Enable CameraSync sub-raster fuzzing")
	configFile  = flag.String("config", config.DefaultConfigPath, "Path to JSON tuning configuration file")
	versionFlag = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	if *versionFlag {
		log.Printf("simulate v%s (git SHA: %s, built %s)", version.Version, version.GitSHA, version.BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Printf("warning: could not load tuning config from %s, using built-in defaults: %v", *configFile, err)
		cfg = config.Empty()
	} else {
		log.Printf("loaded tuning configuration from %s", *configFile)
	}

	scanner := newFakeScanner()
	primary := newFakePrimaryDetector()
	camera := newFakeCamera(*exposure, [2]int{4, 4})
	stage := newFakeStage()

	eng, err := acquisition.New(acquisition.Config{
		Strategy: acquisition.CameraSync,
		Tuning:   cfg,
		Fuzzing:  *fuzzing,
	}, scanner, []hwadapter.Detector{primary, camera}, stage, nil)
	if err != nil {
		log.Fatalf("failed to build engine: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	roi := grid.ROI{L: 0, T: 0, R: 1, B: 1}
	rep := grid.Repetition{X: *repX, Y: *repY}

	estimate, err := eng.EstimateAcquisitionTime(roi, rep)
	if err != nil {
		log.Fatalf("failed to estimate acquisition time: %v", err)
	}
	log.Printf("starting %dx%d acquisition, estimated %v", rep.X, rep.Y, estimate)

	future, err := eng.Acquire(ctx, roi, rep)
	if err != nil {
		log.Fatalf("failed to start acquisition: %v", err)
	}

	results, err := future.Wait(ctx)
	if err != nil {
		log.Fatalf("acquisition failed: %v", err)
	}

	for i, d := range results {
		log.Printf("result[%d] = %s", i, d.String())
	}
}
