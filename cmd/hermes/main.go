// Command hermes is the agentic chat runtime daemon and its operator
// CLI: run the gateway with all configured surfaces, manage scheduled
// jobs, inspect sessions, and diagnose configuration.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/hermes/internal/config"
)

var homeFlag string

func main() {
	root := &cobra.Command{
		Use:           "hermes",
		Short:         "Multi-platform agentic chat runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&homeFlag, "home", "", "hermes home directory (default ~/.hermes)")

	root.AddCommand(
		newRunCommand(),
		newCronCommand(),
		newSessionsCommand(),
		newDoctorCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(homeFlag)
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	return cfg, nil
}
