// Package cli holds the cobra commands of the misorachat binary.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"misorachat/internal/config"
)

const rootLongDesc string = `misorachat is a chat service that keeps a durable transcript of every
conversation with a language model.

Run the server with:
  misorachat serve      Start the HTTP API
  misorachat chat       Chat with a running server from the terminal`

func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "misorachat",
		Short:         "Conversational assistant with durable transcripts",
		Long:          rootLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if err := config.LoadDotEnv("."); err != nil {
				return fmt.Errorf("loading env files: %w", err)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringP("config", "c", "", "Path to the JSON config file (default: $"+config.ConfigEnv+")")
	cmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logging")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewChatCmd())
	return cmd
}
