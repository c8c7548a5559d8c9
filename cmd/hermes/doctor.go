package main

import (
	"fmt"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/hermes/internal/skills"
)

func newDoctorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose configuration, credentials, and toolset availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			fmt.Println("home:", cfg.Home())
			fmt.Println("model:", cfg.Agent.Model)
			fmt.Println("sandbox backend:", cfg.Sandbox.Backend)
			fmt.Println()

			check := func(label string, ok bool, hint string) {
				mark := "ok  "
				if !ok {
					mark = "MISS"
				}
				fmt.Printf("[%s] %-28s %s\n", mark, label, hint)
			}

			check("inference credentials",
				cfg.EnvSet("OPENROUTER_API_KEY") || cfg.EnvSet("OPENAI_API_KEY") || cfg.EnvSet("ANTHROPIC_API_KEY"),
				"OPENROUTER_API_KEY / OPENAI_API_KEY / ANTHROPIC_API_KEY")
			check("telegram", cfg.EnvSet("TELEGRAM_BOT_TOKEN"), "TELEGRAM_BOT_TOKEN")
			check("discord", cfg.EnvSet("DISCORD_BOT_TOKEN"), "DISCORD_BOT_TOKEN")
			check("slack", cfg.EnvSet("SLACK_BOT_TOKEN") && cfg.EnvSet("SLACK_APP_TOKEN"), "SLACK_BOT_TOKEN + SLACK_APP_TOKEN")
			check("sudo password", cfg.Sandbox.SudoPassword != "", "SUDO_PASSWORD (optional)")

			for _, binary := range []string{"docker", "singularity", "python3"} {
				_, err := exec.LookPath(binary)
				check(binary+" binary", err == nil, "needed by some backends/hooks")
			}

			if lib, err := skills.Load(cfg.SkillsDir()); err == nil {
				fmt.Printf("\nskills: %d loaded across %d categories\n", len(lib.List("")), len(lib.Categories()))
			}
			return nil
		},
	}
}
