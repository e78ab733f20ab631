package main

import (
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-interp/internal/config"
	"github.com/23skdu/longbow-interp/internal/dataset"
	"github.com/23skdu/longbow-interp/internal/logger"
	"github.com/23skdu/longbow-interp/internal/openai"
	"github.com/23skdu/longbow-interp/internal/sae"
)

var computeSAECmd = &cobra.Command{
	Use:   "compute-sae",
	Short: "Encode a dataset split with an SAE and cache the feature activations",
	Long: `Encodes one text field of a dataset split with the chosen SAE.

Rows already in the cache for the same texts and SAE are reused; only the
rest are computed. Progress is checkpointed so an interrupted run resumes.`,
}

var computeOpenAICmd = &cobra.Command{
	Use:   "compute-openai",
	Short: "Embed a dataset split with the OpenAI embeddings API and cache the vectors",
}

var (
	computeSAEKey    = addKeyFlags(computeSAECmd, "train")
	computeSAEFlags  = addSAEFlags(computeSAECmd, config.SAETypeLocal)
	computeOpenAIKey = addKeyFlags(computeOpenAICmd, "train")

	openAIModel     string
	openAIBatchSize int
)

func init() {
	// RunE is set here to break the initialization cycle through the flag vars.
	computeSAECmd.RunE = runComputeSAE
	computeOpenAICmd.RunE = runComputeOpenAI
	d := config.Default().OpenAI
	computeOpenAICmd.Flags().StringVar(&openAIModel, "model", d.Model, "OpenAI embedding model")
	computeOpenAICmd.Flags().IntVar(&openAIBatchSize, "batch-size", d.BatchSize, "Texts per API request")
}

func runComputeSAE(cmd *cobra.Command, args []string) error {
	logArgs(cmd)
	ctx := cmd.Context()

	hm, stop := startMonitor(cmd.Name())
	defer stop()
	s, err := newSAE(cmd, computeSAEFlags, sae.WithAlerts(hm.AddAlert))
	if err != nil {
		return err
	}
	defer s.Destroy()

	records, err := computeSAEKey.records(ctx)
	if err != nil {
		return err
	}

	key := computeSAEKey.key(s.Name())
	opts, err := datasetOptions(ctx, key, hm)
	if err != nil {
		return err
	}

	logger.Log.Info("computing SAE features", "key", key.String(), "sae", s.Name(), "records", len(records))
	ds, err := dataset.New(ctx, records, s, opts...)
	if err != nil {
		return err
	}
	logger.Log.Info("saved SAE features", "texts", ds.Len(), "path", ds.Path())
	return nil
}

func runComputeOpenAI(cmd *cobra.Command, args []string) error {
	logArgs(cmd)
	ctx := cmd.Context()

	model := openAIModel
	if !cmd.Flags().Changed("model") && cfg.IsSet("openai", "model") {
		model = cfg.OpenAI.Model
	}
	batchSize := openAIBatchSize
	if !cmd.Flags().Changed("batch-size") && cfg.IsSet("openai", "batch_size") {
		batchSize = cfg.OpenAI.BatchSize
	}

	api, err := openai.LoadClient(cfg.OpenAI.EnvVar)
	if err != nil {
		return err
	}
	records, err := computeOpenAIKey.records(ctx)
	if err != nil {
		return err
	}
	texts := make([]string, len(records))
	for i, r := range records {
		texts[i] = r.Text
	}

	m, err := cacheMirror(ctx, cfg)
	if err != nil {
		return err
	}
	key := computeOpenAIKey.key(model)
	logger.Log.Info("computing embeddings", "key", key.String(), "model", model, "batch_size", batchSize)
	e, err := openai.EmbedTexts(ctx, api, key, texts, openai.EmbedOptions{
		Model:     model,
		BatchSize: batchSize,
		Root:      cfg.ResultsDir,
		Mirror:    m,
	})
	if err != nil {
		return err
	}
	logger.Log.Info("embeddings ready", "texts", e.Len(), "dim", e.Header.NFeatures)
	return nil
}
