package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion script",
	Long: `Generate shell completion script for h2edge.

To load completions:

Bash:
  $ source <(h2edge completion bash)
  # To load permanently:
  $ h2edge completion bash > /etc/bash_completion.d/h2edge

Zsh:
  $ h2edge completion zsh > "${fpath[1]}/_h2edge"
  $ compinit

Fish:
  $ h2edge completion fish | source
  # To load permanently:
  $ h2edge completion fish > ~/.config/fish/completions/h2edge.fish

PowerShell:
  PS> h2edge completion powershell | Out-String | Invoke-Expression
  # To load permanently, add to your PowerShell profile
`,
	ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
	Args:      cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		switch args[0] {
		case "bash":
			return rootCmd.GenBashCompletion(out)
		case "zsh":
			return rootCmd.GenZshCompletion(out)
		case "fish":
			return rootCmd.GenFishCompletion(out, true)
		case "powershell":
			return rootCmd.GenPowerShellCompletion(out)
		default:
			return fmt.Errorf("unsupported shell: %s", args[0])
		}
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
}
