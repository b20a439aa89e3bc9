package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"chronoplan/internal/stats"
	"chronoplan/internal/store"
)

// Set via -ldflags at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("chronoplan %s\n", Version)
		fmt.Printf("  commit:     %s\n", GitCommit)
		fmt.Printf("  built:      %s\n", BuildTime)
		fmt.Printf("  go version: %s\n", runtime.Version())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and print their status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		db, err := store.Open(ctx, cfg.DB.Path, cfg.DB.BusyTimeout)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer db.Close()

		status, err := store.MigrationStatus(ctx, db)
		if err != nil {
			return err
		}
		versions := make([]int64, 0, len(status))
		for ver := range status {
			versions = append(versions, ver)
		}
		sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
		for _, ver := range versions {
			state := "pending"
			if status[ver] {
				state = "applied"
			}
			fmt.Printf("%05d  %s\n", ver, state)
		}
		return nil
	},
}

var recalcStatsCmd = &cobra.Command{
	Use:   "recalc-stats [owner]",
	Short: "Recompute statistics from the task store and print them",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := store.Open(ctx, cfg.DB.Path, cfg.DB.BusyTimeout)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer db.Close()

		repo := store.NewTaskRepo(db)
		agg := stats.New(repo, cfg.Stats.Buffer)
		owners := args
		if len(owners) == 0 {
			if owners, err = repo.ListOwners(ctx); err != nil {
				return err
			}
		}
		for _, owner := range owners {
			st, err := agg.Recalculate(ctx, owner)
			if err != nil {
				return fmt.Errorf("recalculate %s: %w", owner, err)
			}
			fmt.Printf("%s\ttasks=%d active=%d paused=%d completed=%d cancelled=%d failed=%d executions=%d ok=%d failed=%d skipped=%d timeout=%d\n",
				owner, st.TotalTasks, st.ActiveTasks, st.PausedTasks, st.CompletedTasks, st.CancelledTasks, st.FailedTasks,
				st.TotalExecutions, st.SuccessfulExecutions, st.FailedExecutions, st.SkippedExecutions, st.TimeoutExecutions)
		}
		log.Debug().Int("owners", len(owners)).Msg("statistics recalculated")
		return nil
	},
}

const defaultConfigYAML = `# Chronoplan config
# Priority: CLI flag > CHRONOPLAN_* env > this file > default.

http:
  addr: ":8080"
  shutdown_timeout: 10s

db:
  path: ./data/chronoplan.db
  busy_timeout: 5s

scheduler:
  tick_interval: 2s
  batch_limit: 100
  workers: 8
  claim_grace: 1m   # beyond the run deadline before a claim counts as abandoned
  default_timeout: 30s

stats:
  buffer: 1024

log:
  level: info      # trace | debug | info | warn | error
  format: console  # console | json

# One webhook per source module (goal, task, reminder, habit, dashboard).
executors:
  reminder:
    url: http://localhost:7000/hooks/reminder
    timeout: 10s
    rate_per_sec: 5
    burst: 5
`

func newInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Long: `Write default configuration for chronoplan.

If --config is given the file is written to that path.
Otherwise it is written to ~/.chronoplan/chronoplan.yaml.
Fails if the file already exists unless --force is passed.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			dest := cfgFile
			if dest == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return fmt.Errorf("home dir: %w", err)
				}
				dest = filepath.Join(home, ".chronoplan", "chronoplan.yaml")
			}
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return fmt.Errorf("mkdir: %w", err)
			}
			if !force {
				if _, err := os.Stat(dest); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", dest)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat %s: %w", dest, err)
				}
			}
			if err := os.WriteFile(dest, []byte(defaultConfigYAML), 0o644); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Printf("config written to %s\n", dest)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config file")
	return cmd
}
