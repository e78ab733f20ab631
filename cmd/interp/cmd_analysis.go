package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-interp/internal/analysis"
	"github.com/23skdu/longbow-interp/internal/config"
	"github.com/23skdu/longbow-interp/internal/dataset"
	"github.com/23skdu/longbow-interp/internal/logger"
	"github.com/23skdu/longbow-interp/internal/paths"
	"github.com/23skdu/longbow-interp/internal/sae"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Cluster a dataset split by its active SAE features",
	Long: `Encodes (or loads from cache) a dataset split, clusters the rows by
which features fire, and writes each cluster's size, members and top
features by lift under results/clustering.`,
}

var diffCmd = &cobra.Command{
	Use:   "diff",
	Short: "Compare feature frequencies between two small demo datasets",
}

var (
	clusterKey   = addKeyFlags(clusterCmd, "test")
	clusterSAE   = addSAEFlags(clusterCmd, config.SAETypeGoodfire)
	diffSAE      = addSAEFlags(diffCmd, config.SAETypeGoodfire)
	nClusters    int
	clusterTopN  int
	clusterSeed  int64
	diffShowRows int
)

func init() {
	// RunE is set here to break the initialization cycle through the flag vars.
	clusterCmd.RunE = runCluster
	diffCmd.RunE = runDiff
	clusterCmd.Flags().IntVar(&nClusters, "n-clusters", 8, "Number of clusters")
	clusterCmd.Flags().IntVar(&clusterTopN, "top-n", analysis.DefaultTopN, "Top features reported per cluster")
	clusterCmd.Flags().Int64Var(&clusterSeed, "seed", 0, "Random seed for centroid seeding")

	diffCmd.Flags().IntVar(&diffShowRows, "show", 5, "Rows of the comparison to print")
}

func runCluster(cmd *cobra.Command, args []string) error {
	logArgs(cmd)
	ctx := cmd.Context()

	hm, stop := startMonitor(cmd.Name())
	defer stop()
	s, err := newSAE(cmd, clusterSAE, sae.WithAlerts(hm.AddAlert))
	if err != nil {
		return err
	}
	defer s.Destroy()

	records, err := clusterKey.records(ctx)
	if err != nil {
		return err
	}
	key := clusterKey.key(s.Name())
	opts, err := datasetOptions(ctx, key, hm)
	if err != nil {
		return err
	}
	ds, err := dataset.New(ctx, records, s, opts...)
	if err != nil {
		return err
	}

	start := time.Now()
	cl, err := analysis.ComputeClusters(ds, nClusters, analysis.ClusterOptions{Seed: clusterSeed, TopN: clusterTopN})
	if err != nil {
		return err
	}
	out, err := paths.BuildExperimentPath(cfg.ResultsDir, "clustering", key.Dataset, key.Split, key.Field, key.Model, "json")
	if err != nil {
		return err
	}
	if err := cl.SaveJSON(out); err != nil {
		return err
	}
	logger.Log.Info("clustering saved", "path", out, "clusters", cl.NClusters,
		"iterations", cl.Iterations, "inertia", cl.Inertia, "elapsed", time.Since(start))
	for _, c := range cl.Clusters {
		top := "-"
		if len(c.TopFeatures) > 0 {
			top = fmt.Sprintf("%d %q (lift %.2f)", c.TopFeatures[0].Feature, c.TopFeatures[0].Label, c.TopFeatures[0].Lift)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cluster %d: %d rows, top feature %s\n", c.ID, c.Size, top)
	}
	return nil
}

// demoSets are the two greeting datasets the diff command compares.
func demoSets() (a, b []dataset.Record) {
	dates := []string{"2022-01-10", "2021-08-23", "2023-03-14"}
	mk := func(texts ...string) []dataset.Record {
		recs := make([]dataset.Record, len(texts))
		for i, t := range texts {
			recs[i] = dataset.Record{Text: t, Meta: map[string]string{"date": dates[i%len(dates)]}}
		}
		return recs
	}
	return mk("Good morning!", "Hello there!", "Good afternoon."),
		mk("See you later!", "Goodbye!", "Goodbye.")
}

func runDiff(cmd *cobra.Command, args []string) error {
	logArgs(cmd)
	s, err := newSAE(cmd, diffSAE)
	if err != nil {
		return err
	}
	defer s.Destroy()
	return diffDemo(cmd, s)
}

func diffDemo(cmd *cobra.Command, s sae.SAE) error {
	ctx := cmd.Context()
	recA, recB := demoSets()
	opts := []dataset.Option{dataset.WithBatchSize(cfg.Encode.BatchSize)}
	a, err := dataset.New(ctx, recA, s, opts...)
	if err != nil {
		return fmt.Errorf("encoding greetings: %w", err)
	}
	b, err := dataset.New(ctx, recB, s, opts...)
	if err != nil {
		return fmt.Errorf("encoding farewells: %w", err)
	}

	table, err := analysis.DiffFeatures(a, b)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), table.Head(diffShowRows).String())

	out := filepath.Join(cfg.ResultsDir, "demo", paths.CleanComponent(s.Name())+".csv")
	if err := table.SaveCSV(out); err != nil {
		return err
	}
	logger.Log.Info("feature comparison saved", "path", out, "features", table.Len())
	return nil
}
