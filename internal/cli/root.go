package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"chronoplan/internal/config"
)

var (
	cfgFile string
	v       = viper.New()
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:          "chronoplan",
	Short:        "Chronoplan schedules recurring work and keeps calendars conflict-free",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		switch cmd.Name() {
		case versionCmd.Name(), initCmd.Name():
			return nil
		}
		loaded, err := config.Load(v, cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
		return setupLogger(cfg.Log)
	},
}

// Execute is the entry point called from cmd/chronoplan/main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default: ./chronoplan.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: trace | debug | info | warn | error")
	rootCmd.PersistentFlags().String("log-format", "console", "log format: console | json")
	rootCmd.PersistentFlags().String("db", "./data/chronoplan.db", "SQLite database path")
	bindFlag("log.level", rootCmd.PersistentFlags(), "log-level")
	bindFlag("log.format", rootCmd.PersistentFlags(), "log-format")
	bindFlag("db.path", rootCmd.PersistentFlags(), "db")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(recalcStatsCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
}

var initCmd = newInitCmd()

func setupLogger(lc config.LogConfig) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(lc.Level))
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339
	if lc.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return nil
}

func bindFlag(viperKey string, fs *pflag.FlagSet, flagName string) {
	if err := v.BindPFlag(viperKey, fs.Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("bindFlag %q → %q: %v", flagName, viperKey, err))
	}
}
