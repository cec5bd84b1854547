package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/GPTx-global/pricefeed/oracle/config"
	"github.com/GPTx-global/pricefeed/oracle/daemon"
	"github.com/GPTx-global/pricefeed/oracle/log"
)

const (
	flagHome      = "home"
	flagOverwrite = "overwrite"
)

// NewRootCmd creates the oracled command tree
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "oracled",
		Short:        "Price feed oracle middleware",
		SilenceUsage: true,
	}
	root.PersistentFlags().String(flagHome, config.DefaultHome(), "directory for config and data")

	root.AddCommand(initCmd(), startCmd())
	return root
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config.toml to the home directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			home, err := cmd.Flags().GetString(flagHome)
			if err != nil {
				return err
			}
			overwrite, err := cmd.Flags().GetBool(flagOverwrite)
			if err != nil {
				return err
			}

			path := filepath.Join(home, config.FileName)
			if _, err := os.Stat(path); err == nil && !overwrite {
				return fmt.Errorf("%s already exists, use --%s to replace it", path, flagOverwrite)
			}
			if err := config.WriteDefault(home); err != nil {
				return err
			}

			cmd.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().Bool(flagOverwrite, false, "replace an existing config file")
	return cmd
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the oracle daemon until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			home, err := cmd.Flags().GetString(flagHome)
			if err != nil {
				return err
			}

			cfg, err := config.Load(home)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.Log.ToFile {
				log.ResetLogger(home)
			}
			if err := log.SetLevel(cfg.Log.Level); err != nil {
				return err
			}
			cfg.Print()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d, err := daemon.New(ctx, cfg, daemon.Deps{})
			if err != nil {
				return fmt.Errorf("failed to create daemon: %w", err)
			}
			if err := d.Start(); err != nil {
				d.Stop()
				return fmt.Errorf("failed to start daemon: %w", err)
			}

			err = d.Wait()
			d.Stop()
			return err
		},
	}
}
