package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/23skdu/longbow-interp/internal/blobstore"
	"github.com/23skdu/longbow-interp/internal/cache"
	"github.com/23skdu/longbow-interp/internal/config"
	"github.com/23skdu/longbow-interp/internal/dataset"
	"github.com/23skdu/longbow-interp/internal/logger"
	"github.com/23skdu/longbow-interp/internal/monitoring"
	"github.com/23skdu/longbow-interp/internal/sae"
	"github.com/23skdu/longbow-interp/internal/source"
)

// logArgs logs every flag of cmd with its resolved value.
func logArgs(cmd *cobra.Command) {
	kv := []interface{}{"command", cmd.Name()}
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		kv = append(kv, f.Name, f.Value.String())
	})
	logger.Log.Info("arguments", kv...)
}

type keyFlags struct {
	dataset string
	split   string
	field   string
	limit   int
}

func addKeyFlags(cmd *cobra.Command, split string) *keyFlags {
	f := &keyFlags{}
	cmd.Flags().StringVar(&f.dataset, "dataset", "gsm8k", "Dataset name, looked up under data_dir")
	cmd.Flags().StringVar(&f.split, "split", split, "Dataset split")
	cmd.Flags().StringVar(&f.field, "field", "answer", "Text field to encode")
	cmd.Flags().IntVar(&f.limit, "limit", 0, "Encode only the first n records (0 for all)")
	return f
}

func (f *keyFlags) key(model string) cache.Key {
	return cache.Key{Dataset: f.dataset, Split: f.split, Field: f.field, Model: model}
}

func (f *keyFlags) records(ctx context.Context) ([]dataset.Record, error) {
	files, err := source.Find(cfg.DataDir, f.dataset, f.split)
	if err != nil {
		return nil, err
	}
	recs, err := source.LoadAll(ctx, files, f.field, source.WithLimit(f.limit))
	if err != nil {
		return nil, err
	}
	logger.Log.Info("loaded dataset", "dataset", f.dataset, "split", f.split, "field", f.field, "records", len(recs), "files", len(files))
	return recs, nil
}

type saeFlags struct {
	saeType     string
	release     string
	saeID       string
	variantName string
}

func addSAEFlags(cmd *cobra.Command, defaultType config.SAEType) *saeFlags {
	d := config.Default().SAE
	f := &saeFlags{}
	cmd.Flags().StringVar(&f.saeType, "sae-type", string(defaultType), "SAE family: local or goodfire")
	cmd.Flags().StringVar(&f.release, "release", d.Release, "Local SAE release")
	cmd.Flags().StringVar(&f.saeID, "sae-id", d.SAEID, "Local SAE id within the release")
	cmd.Flags().StringVar(&f.variantName, "variant-name", d.VariantName, "Goodfire SAE variant")
	return f
}

// resolve layers explicit flags over the config file. The command's default
// SAE type applies unless the config file names one.
func (f *saeFlags) resolve(cmd *cobra.Command, c config.Config) (config.SAEConfig, error) {
	sc := c.SAE
	if cmd.Flags().Changed("sae-type") || !c.IsSet("sae", "type") {
		sc.Type = config.SAEType(f.saeType)
	}
	if cmd.Flags().Changed("release") {
		sc.Release = f.release
	}
	if cmd.Flags().Changed("sae-id") {
		sc.SAEID = f.saeID
	}
	if cmd.Flags().Changed("variant-name") {
		sc.VariantName = f.variantName
	}

	check := c
	check.SAE = sc
	if err := check.Validate(); err != nil {
		return sc, err
	}
	return sc, nil
}

func modelLoader(c config.Config) sae.ModelLoader {
	if c.Model.Backend == config.BackendFlight {
		return sae.FlightLoader(c.HFHubDir, c.Model.FlightAddr)
	}
	return sae.HubLoader(c.HFHubDir)
}

func newSAE(cmd *cobra.Command, f *saeFlags, extra ...sae.Option) (sae.SAE, error) {
	sc, err := f.resolve(cmd, cfg)
	if err != nil {
		return nil, err
	}
	opts := append([]sae.Option{sae.WithModelLoader(modelLoader(cfg))}, extra...)
	return sae.FromConfig(sc, cfg.Encode, opts...)
}

// cacheMirror returns the configured mirror, or nil when none is set.
func cacheMirror(ctx context.Context, c config.Config) (cache.Mirror, error) {
	m, err := openMirror(ctx, c)
	if err != nil || m == nil {
		return nil, err
	}
	return m, nil
}

func openMirror(ctx context.Context, c config.Config) (*blobstore.Mirror, error) {
	if !c.Mirror.Enabled() {
		return nil, nil
	}
	var opts []blobstore.Option
	if c.Mirror.Profile != "" {
		opts = append(opts, blobstore.WithProfile(c.Mirror.Profile))
	}
	if c.Mirror.Region != "" {
		opts = append(opts, blobstore.WithRegion(c.Mirror.Region))
	}
	return blobstore.New(ctx, c.Mirror.Bucket, c.Mirror.Prefix, opts...)
}

// startMonitor serves health and metrics when metrics_addr is set. The
// returned monitor is usable either way.
func startMonitor(command string) (*monitoring.HealthMonitor, func()) {
	hm := monitoring.NewHealthMonitor(command)
	if cfg.MetricsAddr == "" {
		return hm, func() {}
	}
	go func() {
		if err := hm.Start(cfg.MetricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error("health monitor failed", "addr", cfg.MetricsAddr, "error", err)
		}
	}()
	return hm, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hm.Stop(ctx)
	}
}

// datasetOptions are the encode settings shared by the SAE commands.
func datasetOptions(ctx context.Context, key cache.Key, hm *monitoring.HealthMonitor) ([]dataset.Option, error) {
	opts := []dataset.Option{
		dataset.WithBatchSize(cfg.Encode.BatchSize),
		dataset.WithCheckpointEvery(cfg.Encode.CheckpointEvery),
		dataset.WithCache(cfg.ResultsDir, key),
		dataset.WithProgress(hm.SetProgress),
		dataset.WithAlerts(hm.AddAlert),
	}
	m, err := cacheMirror(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache mirror: %w", err)
	}
	if m != nil {
		opts = append(opts, dataset.WithMirror(m))
	}
	hm.SetKey(key.String())
	return opts, nil
}
