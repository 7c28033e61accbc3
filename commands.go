package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run one full cycle: publish pending drafts, discover, publish approvals",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		ctx, cancel := signalContext()
		defer cancel()
		return app.runner.RunOnce(ctx)
	},
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Discover candidate posts and send the strongest draft for approval",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		ctx, cancel := signalContext()
		defer cancel()
		return app.runner.Discover(ctx)
	},
}

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish every approved draft waiting in the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		ctx, cancel := signalContext()
		defer cancel()
		return app.runner.Publish(ctx)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run as a daemon: scheduled discovery and publishing plus operator chat commands",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		ctx, cancel := signalContext()
		defer cancel()
		return app.runDaemon(ctx)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check configured credentials without posting anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer app.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return app.validate(ctx)
	},
}

func init() {
	rootCmd.AddCommand(onceCmd, discoverCmd, publishCmd, runCmd, validateCmd)
}
