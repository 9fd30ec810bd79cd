package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"time"

	"gonum.org/v1/gonum/stat"

	"dwifit/internal/logger"
	"dwifit/internal/models"
	"dwifit/pkg/config"
	"dwifit/pkg/dwi"
	"dwifit/pkg/metrics"
	"dwifit/pkg/model"
	"dwifit/pkg/store"
)

func main() {
	configPath := flag.String("config", "dwifit.yaml", "Path to the YAML configuration file")
	initConfig := flag.Bool("init-config", false, "Write a default configuration file to -config and exit")
	dataPath := flag.String("data", "", "Acquisition archive (.dwa) to fit")
	modelName := flag.String("model", "", "Override the configured model name")
	metricName := flag.String("metric", "pearson", "Goodness-of-fit metric for the summary")
	numWorkers := flag.Int("workers", -1, "Override the configured number of workers")
	flag.Parse()

	if *initConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write default config: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	if *dataPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *modelName != "" {
		cfg.Model.Name = *modelName
	}
	if *numWorkers >= 0 {
		cfg.Processing.NumWorkers = *numWorkers
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("%v", err)
	}

	metric, err := metrics.ByName(*metricName)
	if err != nil {
		log.Fatalf("%v", err)
	}

	lg := logger.Setup(cfg.Output.LogLevel, cfg.Output.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg, *dataPath, *metricName, metric, lg); err != nil {
		log.Fatalf("Fit failed: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config, dataPath, metricName string, metric metrics.Metric, lg *slog.Logger) error {
	var tf *models.ScalarVolume
	if cfg.Data.TissueFraction != "" {
		var err error
		if tf, err = store.ReadScalarMap(cfg.Data.TissueFraction); err != nil {
			return err
		}
	}

	data, err := dwi.New(dwi.FromArchive(dataPath), dwi.Options{
		ScalingFactor:    cfg.Data.ScalingFactor,
		SubSampleIndices: cfg.Data.SubSampleIndices,
		SubSampleCount:   cfg.Data.SubSampleCount,
		SubSampleSeed:    cfg.Data.SubSampleSeed,
		TissueFraction:   tf,
		Logger:           lg,
	})
	if err != nil {
		return err
	}

	ps, closeStore, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	opts := model.Options{
		Store:   ps,
		Logger:  lg,
		Workers: cfg.Processing.NumWorkers,
	}
	if cfg.Output.Verbose {
		opts.Progress = func(completed, total int) {
			fmt.Printf("\rFitting voxels: %d/%d (%.0f%%)", completed, total, 100*float64(completed)/float64(total))
			if completed == total {
				fmt.Println()
			}
		}
	}

	m, err := model.New(data, cfg.Model, opts)
	if err != nil {
		return err
	}

	fmt.Println("================================")
	fmt.Printf("Model:    %s\n", m.Name())
	fmt.Printf("Data:     %s (%d active voxels, %d weighted directions)\n", data.ID(), data.NActive(), data.NWeighted())
	fmt.Printf("Store:    %s\n", cfg.Store.Kind)
	fmt.Println("================================")

	startTime := time.Now()
	params, err := m.Params(ctx)
	if err != nil {
		return err
	}
	fitTime := time.Since(startTime)

	gof, err := m.GoodnessOfFit(ctx, metric, true)
	if err != nil {
		return err
	}
	cod, err := m.CoefficientOfDetermination(ctx)
	if err != nil {
		return err
	}
	rmse, err := m.RMSE(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("\nParameters ready in %.2f seconds (%d per voxel)\n", fitTime.Seconds(), params.NParams)
	fmt.Printf("Defined voxels:                 %d/%d\n", definedVoxels(params, data.Active()), data.NActive())
	fmt.Printf("Mean squared %-18s %.4f\n", metricName+":", finiteMean(gof))
	fmt.Printf("Mean coefficient of det.:       %.4f\n", finiteMean(cod))
	fmt.Printf("Mean RMSE:                      %.6f\n", finiteMean(rmse))
	return nil
}

// openStore returns the configured parameter store and a function releasing it
func openStore(sc config.StoreConfig) (store.ParamStore, func(), error) {
	switch sc.Kind {
	case "file":
		return store.NewFileStore(sc.Path), func() {}, nil
	case "sqlite":
		s, err := store.OpenSQLite(sc.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				log.Printf("Warning: failed to close parameter store: %v", err)
			}
		}, nil
	default:
		return nil, func() {}, nil
	}
}

func definedVoxels(p *models.ParamVolume, active []int) int {
	n := 0
	for _, i := range active {
		v := p.Data[i*p.NParams]
		if !math.IsNaN(v) {
			n++
		}
	}
	return n
}

func finiteMean(v *models.ScalarVolume) float64 {
	values := make([]float64, 0, len(v.Data))
	for _, x := range v.Data {
		if !math.IsNaN(x) && !math.IsInf(x, 0) {
			values = append(values, x)
		}
	}
	if len(values) == 0 {
		return math.NaN()
	}
	return stat.Mean(values, nil)
}
