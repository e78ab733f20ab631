package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-interp/internal/cache"
	"github.com/23skdu/longbow-interp/internal/flight"
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Send a cached entry to an Arrow Flight endpoint",
	Long: `Loads the cache entry for --dataset/--split/--field/--model and puts its
rows on a Flight server, max pooled per text for SAE entries. The descriptor
path defaults to the cache key.`,
}

var (
	publishKey   = addKeyFlags(publishCmd, "train")
	publishModel string
	publishAddr  string
	publishPath  string
)

func init() {
	// RunE is set here to break the initialization cycle through the flag vars.
	publishCmd.RunE = runPublish
	publishCmd.Flags().StringVar(&publishModel, "model", "", "Model name of the cache entry, e.g. local__gpt2-small-res-jb__blocks.8.hook_resid_pre")
	publishCmd.Flags().StringVar(&publishAddr, "addr", "", "Flight endpoint (default publish.flight_addr)")
	publishCmd.Flags().StringVar(&publishPath, "path", "", "Slash separated descriptor path (default the cache key)")
}

func runPublish(cmd *cobra.Command, args []string) error {
	logArgs(cmd)
	ctx := cmd.Context()

	if publishModel == "" {
		return errors.New("--model is required")
	}
	addr := publishAddr
	if addr == "" {
		addr = cfg.Publish.FlightAddr
	}
	if addr == "" {
		return errors.New("no Flight endpoint, pass --addr or set publish.flight_addr")
	}

	key := publishKey.key(publishModel)
	p, err := key.Path(cfg.ResultsDir)
	if err != nil {
		return err
	}
	e, err := cache.Load(p)
	if err != nil {
		return fmt.Errorf("loading %s: %w", key.String(), err)
	}

	var path []string
	if publishPath != "" {
		path = strings.Split(strings.Trim(publishPath, "/"), "/")
	}

	client := flight.NewFlightClient(addr)
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	n, err := flight.PublishEntry(ctx, client, e, path)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "published %d rows of %s to %s\n", n, key.String(), addr)
	return nil
}
