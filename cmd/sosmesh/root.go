package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kabili207/sosmesh-go/internal/config"
	"github.com/kabili207/sosmesh-go/internal/logging"
)

var (
	cfg        *config.Config
	logger     *slog.Logger
	logCloser  io.Closer
	configPath string
	envFile    string
	dataDir    string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "sosmesh",
	Short:         "Offline SOS alert mesh",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadEnvFile(envFile); err != nil {
			return err
		}
		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := c.ApplyEnv(os.LookupEnv); err != nil {
			return err
		}
		if cmd.Flags().Changed("data-dir") {
			c.Node.DataDir = dataDir
		}
		if cmd.Flags().Changed("log-level") {
			c.Log.Level = logLevel
		}
		applyStartFlags(cmd, c)
		if err := c.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		l, closer, err := logging.New(logging.Options{Level: c.Log.Level, Format: c.Log.Format, Sink: c.Log.Sink})
		if err != nil {
			return err
		}
		slog.SetDefault(l)
		cfg, logger, logCloser = c, l, closer
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	pf.StringVar(&envFile, "env-file", ".env", "dotenv file with SOSMESH_* overrides")
	pf.StringVarP(&dataDir, "data-dir", "d", "", "directory for the identity and message store")
	pf.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
