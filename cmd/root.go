package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/agentwall/llm-sidecar/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:   "llm-sidecar",
	Short: "Credential-isolating reverse proxy sidecar for LLM APIs",
	Long:  "llm-sidecar terminates an untrusted agent's OpenAI, Anthropic, and GitHub Copilot traffic on loopback listeners, injects the real provider credentials, and forwards through an outbound proxy without ever exposing them to the agent.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.Version = version.String()
	rootCmd.SetVersionTemplate(version.Detailed("llm-sidecar") + "\n")
}
