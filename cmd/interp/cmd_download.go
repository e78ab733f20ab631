package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-interp/internal/hub"
)

var downloadModelCmd = &cobra.Command{
	Use:   "download-model",
	Short: "Download a Hugging Face model snapshot into the local hub cache",
	Long: `Fetches every file of --repo-id at --revision into the hub cache
(hf_hub_dir, INTERP_HF_HUB, or the Hugging Face default) using the
models--{org}--{name}/snapshots/{sha} layout the SAE commands read.
Gated repos need HF_TOKEN. Files already downloaded are skipped.`,
	RunE: runDownloadModel,
}

var (
	downloadRepoID   string
	downloadRevision string
	downloadInclude  []string
	downloadEndpoint string
)

func init() {
	downloadModelCmd.Flags().StringVar(&downloadRepoID, "repo-id", hub.DefaultModel, "Hugging Face repo to download")
	downloadModelCmd.Flags().StringVar(&downloadRevision, "revision", hub.DefaultRevision, "Branch, tag or commit")
	downloadModelCmd.Flags().StringSliceVar(&downloadInclude, "include", nil, "Only files matching these glob patterns, e.g. '*.gguf'")
	downloadModelCmd.Flags().StringVar(&downloadEndpoint, "endpoint", "", "Hub endpoint (default HF_ENDPOINT or https://huggingface.co)")
}

func runDownloadModel(cmd *cobra.Command, args []string) error {
	logArgs(cmd)

	var opts []hub.DownloadOption
	if downloadEndpoint != "" {
		opts = append(opts, hub.WithEndpoint(downloadEndpoint))
	}
	d := hub.NewDownloader(cfg.HFHubDir, opts...)
	dir, err := d.Download(cmd.Context(), downloadRepoID, downloadRevision, downloadInclude...)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), dir)
	return nil
}
