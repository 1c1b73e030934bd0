// Command cleanslate inspects and maintains a CleanSlate workspace: the
// on-disk tree of snapshots, changelogs, and application state the engine
// persists to.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kasuganosora/cleanslate/pkg/blob"
	"github.com/kasuganosora/cleanslate/pkg/changelog"
	"github.com/kasuganosora/cleanslate/pkg/config"
	"github.com/kasuganosora/cleanslate/pkg/domain"
	"github.com/kasuganosora/cleanslate/pkg/log"
	"github.com/kasuganosora/cleanslate/pkg/persistence"
	"github.com/kasuganosora/cleanslate/pkg/registry"
	"github.com/kasuganosora/cleanslate/pkg/snapshot"
	"github.com/kasuganosora/cleanslate/pkg/sqlengine"
)

var (
	// Version is set via ldflags during build.
	Version = "dev"

	flagWorkspace string
	flagConfig    string
	flagLogLevel  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "cleanslate",
	Short:   "CleanSlate workspace inspector and maintenance tool",
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Init(log.Config{Level: log.Level(flagLogLevel)})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagWorkspace, "workspace", "w", ".", "workspace root directory")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(statCmd)
	rootCmd.AddCommand(snapshotsCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(compactCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagWorkspace != "" {
		cfg.Workspace.Root = flagWorkspace
	}
	return cfg, nil
}

func openStores(cfg *config.Config) (*blob.Store, *snapshot.Store, *changelog.Store, error) {
	blobs, err := blob.NewStore(cfg.Workspace.Root)
	if err != nil {
		return nil, nil, nil, err
	}
	snaps := snapshot.NewStore(blobs, cfg.Snapshot.ShardSize, cfg.Snapshot.ShardCacheSize, cfg.Snapshot.Compression, log.WithComponent("snapshot"))
	clog, err := changelog.NewStore(blobs)
	if err != nil {
		return nil, nil, nil, err
	}
	return blobs, snaps, clog, nil
}

var statCmd = &cobra.Command{
	Use:   "stat",
	Short: "Show tables, snapshot sizes, and changelog backlog",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		blobs, snaps, clog, err := openStores(cfg)
		if err != nil {
			return err
		}
		defer clog.Close()

		state, err := registry.LoadAppState(blobs)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TABLE\tSNAPSHOT\tROWS\tSHARDS\tBYTES\tBACKLOG\tACTIVE")
		for tableID, ts := range state.Tables {
			m, err := snaps.ReadManifest(ts.SnapshotID)
			if err != nil {
				fmt.Fprintf(w, "%s\t%s\t(unreadable: %v)\n", ts.Name, ts.SnapshotID, err)
				continue
			}
			active := ""
			if tableID == state.ActiveTableID {
				active = "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
				ts.Name, ts.SnapshotID, m.TotalRows, len(m.Shards), m.TotalBytes, clog.Count(tableID), active)
		}
		return w.Flush()
	},
}

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "List every snapshot in the workspace, internal ones included",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		_, snaps, clog, err := openStores(cfg)
		if err != nil {
			return err
		}
		defer clog.Close()

		ids, err := snaps.ListSnapshotIDs()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SNAPSHOT\tKIND\tROWS\tSHARDS\tBYTES")
		for _, id := range ids {
			kind := "user"
			if domain.IsReservedSnapshotID(id) {
				kind = "internal"
			}
			m, err := snaps.ReadManifest(id)
			if err != nil {
				fmt.Fprintf(w, "%s\t%s\t(unreadable: %v)\n", id, kind, err)
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n", id, kind, m.TotalRows, len(m.Shards), m.TotalBytes)
		}
		return w.Flush()
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Validate every manifest and report orphaned shard files",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		blobs, snaps, clog, err := openStores(cfg)
		if err != nil {
			return err
		}
		defer clog.Close()

		ids, err := snaps.ListSnapshotIDs()
		if err != nil {
			return err
		}

		referenced := make(map[string]bool)
		problems := 0
		for _, id := range ids {
			referenced[id+"_manifest.json"] = true
			m, err := snaps.ReadManifest(id)
			if err != nil {
				problems++
				fmt.Fprintf(cmd.OutOrStdout(), "BAD  %s: %v\n", id, err)
				continue
			}
			for _, sh := range m.Shards {
				referenced[sh.FileName] = true
				size, err := blobs.FileSize(blob.DirSnapshots, sh.FileName)
				if err != nil {
					return err
				}
				if size < 0 {
					problems++
					fmt.Fprintf(cmd.OutOrStdout(), "BAD  %s: shard file %s missing\n", id, sh.FileName)
				} else if sh.ByteSize > 0 && size != sh.ByteSize {
					problems++
					fmt.Fprintf(cmd.OutOrStdout(), "BAD  %s: shard %s is %d bytes, manifest says %d\n", id, sh.FileName, size, sh.ByteSize)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "OK   %s (%d rows, %d shards)\n", id, m.TotalRows, len(m.Shards))
		}

		names, err := blobs.ListFiles(blob.DirSnapshots, "")
		if err != nil {
			return err
		}
		for _, name := range names {
			if !referenced[name] && strings.HasSuffix(name, ".parquet") {
				problems++
				fmt.Fprintf(cmd.OutOrStdout(), "ORPH %s: not referenced by any manifest\n", name)
			}
		}

		if problems > 0 {
			return fmt.Errorf("verify found %d problem(s)", problems)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "workspace is consistent")
		return nil
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Run one compaction cycle: fold changelogs into fresh snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		blobs, snaps, clog, err := openStores(cfg)
		if err != nil {
			return err
		}
		defer clog.Close()

		eng, err := sqlengine.NewSQLiteEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		reg := registry.New()
		coord := persistence.New(cfg, blobs, snaps, clog, eng, reg, log.WithComponent("persistence"))

		ctx := context.Background()
		if err := coord.Hydrate(ctx); err != nil {
			return err
		}

		// The hydrated active table is flushed directly; other tables with
		// backlog are thawed one at a time.
		for _, tableID := range clog.TableIDs() {
			meta, ok := reg.Get(tableID)
			if !ok {
				continue
			}
			if meta.Frozen {
				if err := coord.ThawTable(ctx, tableID); err != nil {
					return fmt.Errorf("failed to thaw %q: %w", meta.Name, err)
				}
			}
			if err := coord.CompactOnce(ctx); err != nil {
				return err
			}
			if err := coord.FreezeTable(ctx, tableID); err != nil {
				return err
			}
		}
		if err := coord.CompactOnce(ctx); err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), "compaction complete")
		return nil
	},
}
