package main

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scrypster/citegraph/internal/app"
	"github.com/scrypster/citegraph/internal/arxiv"
	"github.com/scrypster/citegraph/internal/backup"
	"github.com/scrypster/citegraph/internal/config"
	"github.com/scrypster/citegraph/internal/engine"
	"github.com/scrypster/citegraph/internal/logging"
	"github.com/scrypster/citegraph/pkg/types"
)

// cli carries the global flags and the lazily wired engine.
type cli struct {
	configPath string
	logLevel   string

	cfg        *config.Config
	logger     *zap.Logger
	components *app.Components
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "citegraph",
		Short:         "Build citation graphs around arXiv papers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "Path to a YAML config file (default: $CITEGRAPH_CONFIG)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	root.AddCommand(
		c.newNormalizeCmd(),
		c.newPaperCmd(),
		c.newBuildCmd(),
		c.newSearchCmd(),
		c.newBackupCmd(),
	)
	return root
}

// setup loads configuration and wires the engine. observer may be nil.
func (c *cli) setup(observer engine.BuildObserver) error {
	cfg, err := config.LoadConfig(c.configPath)
	if err != nil {
		return err
	}
	cfg.Log.Level = c.logLevel
	cfg.Log.Format = "console"

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}

	c.cfg = cfg
	c.logger = logger
	c.components = app.NewComponents(cfg, observer, logger)
	return nil
}

func (c *cli) teardown() {
	if c.components != nil {
		_ = c.components.Close()
	}
	if c.logger != nil {
		_ = c.logger.Sync()
	}
}

func (c *cli) newNormalizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "normalize <link>...",
		Short: "Print the canonical arXiv identifier of each link",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			failed := 0
			for _, raw := range args {
				id, err := arxiv.Normalize(raw)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", raw, err)
					failed++
					continue
				}
				fmt.Fprintln(out, id)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d links could not be normalized", failed, len(args))
			}
			return nil
		},
	}
}

func (c *cli) newPaperCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "paper <link>",
		Short: "Fetch a paper with its references",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := arxiv.Normalize(args[0])
			if err != nil {
				return err
			}
			if err := c.setup(nil); err != nil {
				return err
			}
			defer c.teardown()

			paper, err := c.components.Engine.Paper(cmd.Context(), id)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), paper)
		},
	}
}

func (c *cli) newBuildCmd() *cobra.Command {
	var (
		depth    int
		maxNodes int
		mode     string
		format   string
		progress bool
	)

	cmd := &cobra.Command{
		Use:   "build <link>",
		Short: "Build the citation graph around a seed paper",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := arxiv.Normalize(args[0])
			if err != nil {
				return err
			}
			traversal, err := types.ParseMode(mode)
			if err != nil {
				return err
			}
			opts := types.BuildOptions{MaxDepth: depth, MaxNodes: maxNodes, Mode: traversal}
			if err := opts.Validate(); err != nil {
				return err
			}
			if format != "json" && format != "summary" {
				return fmt.Errorf("unknown format %q (want json or summary)", format)
			}

			var observer engine.BuildObserver
			if progress {
				stderr := cmd.ErrOrStderr()
				observer = func(ev engine.BuildEvent) {
					fmt.Fprintf(stderr, "depth %d: %d nodes, %d edges, %d fetched, %d skipped (%dms)\n",
						ev.Depth, ev.Nodes, ev.Edges, ev.Fetched, ev.Skipped, ev.ElapsedMS)
				}
			}
			if err := c.setup(observer); err != nil {
				return err
			}
			defer c.teardown()

			graph, err := c.components.Engine.BuildGraph(cmd.Context(), seed, opts)
			if err != nil {
				return err
			}
			if format == "summary" {
				writeSummary(cmd.OutOrStdout(), graph)
				return nil
			}
			return writeJSON(cmd.OutOrStdout(), graph)
		},
	}

	cmd.Flags().IntVar(&depth, "depth", types.DefaultMaxDepth, "Reference-following hops from the seed")
	cmd.Flags().IntVar(&maxNodes, "max-nodes", types.DefaultMaxNodes, "Maximum nodes including the seed")
	cmd.Flags().StringVar(&mode, "mode", string(types.ModeReferences), "Traversal mode (references or citations)")
	cmd.Flags().StringVar(&format, "format", "json", "Output format (json or summary)")
	cmd.Flags().BoolVar(&progress, "progress", false, "Print per-level progress to stderr")
	return cmd
}

func (c *cli) newSearchCmd() *cobra.Command {
	var maxResults int

	cmd := &cobra.Command{
		Use:   "search <query>...",
		Short: "Search arXiv by free text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.setup(nil); err != nil {
				return err
			}
			defer c.teardown()

			papers, err := c.components.Engine.Search(cmd.Context(), strings.Join(args, " "), maxResults)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, p := range papers {
				fmt.Fprintf(out, "%-18s %s\n", p.ID, types.NormalizeWhitespace(p.Title))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&maxResults, "max", 10, "Maximum number of results")
	return cmd
}

func (c *cli) newBackupCmd() *cobra.Command {
	var (
		dir  string
		keep int
	)

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up the sqlite session database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(c.configPath)
			if err != nil {
				return err
			}
			if cfg.Storage.Engine != config.EngineSQLite {
				return fmt.Errorf("backup requires the sqlite storage engine (configured: %s)", cfg.Storage.Engine)
			}
			if dir == "" {
				dir = filepath.Join(cfg.Storage.DataPath, "backups")
			}

			cfg.Log.Level = c.logLevel
			cfg.Log.Format = "console"
			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			result, err := backup.Run(cmd.Context(), backup.Config{
				DBPath: cfg.SQLitePath(),
				Dir:    dir,
				Keep:   keep,
			}, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%d bytes, %d pruned)\n", result.Path, result.Size, len(result.Pruned))
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "Backup directory (default: <data_path>/backups)")
	cmd.Flags().IntVar(&keep, "keep", backup.DefaultKeep, "Number of backups to retain")
	return cmd
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeSummary(w io.Writer, g *types.Graph) {
	fmt.Fprintf(w, "seed: %s\n", g.SeedID)
	fmt.Fprintf(w, "nodes: %d  edges: %d  depth reached: %d\n", len(g.Nodes), len(g.Edges), g.Stats.DepthReached)
	if g.Incomplete {
		fmt.Fprintln(w, "partial: yes")
	}
	if g.ReferencesError != "" {
		fmt.Fprintf(w, "references error: %s\n", g.ReferencesError)
	}
	for _, n := range g.Nodes {
		marker := " "
		if n.IsRoot {
			marker = "*"
		}
		fmt.Fprintf(w, "%s %-18s %s\n", marker, n.ID, n.Label)
	}
}
