package main

import (
	"github.com/spf13/cobra"

	"github.com/PabloGalante/persona-chat/internal/observability"
)

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "persona",
		Short:         "Persona AI: chat with Gemini from the terminal or over HTTP",
		Long:          "persona keeps a local history of chat sessions, streams Gemini replies into them, and serves the same sessions over a small HTTP API.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// Only the server owns stdout for logs; interactive commands print there.
			if cmd.Name() != "serve" {
				observability.SetOutput(cmd.ErrOrStderr())
			}
			return a.wire(cmd.Context(), scopeFor(cmd.Name()))
		},
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			return a.close()
		},
	}

	rootCmd.AddCommand(
		newServeCmd(a),
		newChatCmd(a),
		newSessionsCmd(a),
		newStorageCmd(a),
	)

	return rootCmd
}
