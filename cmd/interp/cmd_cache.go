package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-interp/internal/blobstore"
	"github.com/23skdu/longbow-interp/internal/cache"
	"github.com/23skdu/longbow-interp/internal/logger"
)

var errNoMirror = errors.New("no cache mirror configured, set mirror.bucket in the config file")

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the results cache and sync it with the S3 mirror",
}

var cacheStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List cached entries with their key, kind and completeness",
	RunE:  runCacheStatus,
}

var cachePushCmd = &cobra.Command{
	Use:   "push",
	Short: "Upload local cache files missing from the mirror",
	RunE:  runCachePush,
}

var cachePullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Download mirrored cache files missing locally",
	RunE:  runCachePull,
}

var syncOverwrite bool

func init() {
	cachePushCmd.Flags().BoolVar(&syncOverwrite, "overwrite", false, "Upload even when the mirror already has the file")
	cachePullCmd.Flags().BoolVar(&syncOverwrite, "overwrite", false, "Download even when the file exists locally")

	cacheCmd.AddCommand(cacheStatusCmd)
	cacheCmd.AddCommand(cachePushCmd)
	cacheCmd.AddCommand(cachePullCmd)
}

func runCacheStatus(cmd *cobra.Command, args []string) error {
	entries, err := cache.Scan(cfg.ResultsDir)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintf(w, "no cache entries under %s\n", cfg.ResultsDir)
		return nil
	}

	var rows [][]string
	for _, s := range entries {
		size := humanize.Bytes(uint64(s.Size))
		if s.Err != nil {
			rows = append(rows, []string{s.Rel, "-", "-", "-", size, "unreadable: " + s.Err.Error()})
			continue
		}
		rows = append(rows, []string{
			s.Header.Key.String(),
			string(s.Header.Kind),
			fmt.Sprint(s.Rows),
			fmt.Sprint(s.Present),
			size,
			humanize.Time(s.Header.UpdatedAt),
		})
	}

	t := table.New().
		Border(lipgloss.HiddenBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderHeader(false).
		Headers("KEY", "KIND", "ROWS", "PRESENT", "SIZE", "UPDATED").
		Rows(rows...)
	_, err = fmt.Fprintln(w, t)
	return err
}

func requireMirror(cmd *cobra.Command) (*blobstore.Mirror, error) {
	m, err := openMirror(cmd.Context(), cfg)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errNoMirror
	}
	return m, nil
}

func runCachePush(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	m, err := requireMirror(cmd)
	if err != nil {
		return err
	}
	entries, err := cache.Scan(cfg.ResultsDir)
	if err != nil {
		return err
	}

	pushed := 0
	for _, s := range entries {
		if s.Err != nil {
			logger.Log.Warn("skipping unreadable cache file", "path", s.Path, "error", s.Err)
			continue
		}
		if !syncOverwrite {
			ok, err := m.Exists(ctx, s.Rel)
			if err != nil {
				return err
			}
			if ok {
				continue
			}
		}
		if err := m.Push(ctx, s.Rel, s.Path); err != nil {
			return err
		}
		pushed++
	}
	fmt.Fprintf(cmd.OutOrStdout(), "pushed %d of %d entries to %s\n", pushed, len(entries), m.URL(""))
	return nil
}

func runCachePull(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	m, err := requireMirror(cmd)
	if err != nil {
		return err
	}
	rels, err := m.List(ctx, "datasets")
	if err != nil {
		return err
	}

	pulled := 0
	for _, rel := range rels {
		dst := filepath.Join(cfg.ResultsDir, filepath.FromSlash(rel))
		if !syncOverwrite {
			if _, err := os.Stat(dst); err == nil {
				continue
			}
		}
		if err := m.Pull(ctx, rel, dst); err != nil {
			return err
		}
		pulled++
	}
	fmt.Fprintf(cmd.OutOrStdout(), "pulled %d of %d entries from %s\n", pulled, len(rels), m.URL(""))
	return nil
}
