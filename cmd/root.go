package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"visionwatch/internal/logger"
)

var version = "1.0.0"

var rootCmd = &cobra.Command{
	Use:   "visionwatch",
	Short: "Annotate images uploaded to Cloud Storage with Google Cloud Vision",
	Long: `visionwatch listens for Cloud Storage upload notifications on a Pub/Sub
subscription, runs every new image through Google Cloud Vision and writes
an annotated copy with page, paragraph, word and face outlines, together
with a text and an HTML report of labels, logos, faces and web matches.

Use "watch" to run the listener, "annotate" to process a single object and
"bounds" to inspect a saved annotation response.`,
	Version: version,
	Run: func(cmd *cobra.Command, args []string) {
		log := logger.WithComponent("root")
		log.Info().
			Str("version", version).
			Msg("visionwatch executed")

		fmt.Println("Welcome to visionwatch!")
		fmt.Println("Use --help to see available commands and options.")
	},
}

func Execute() {
	log := logger.WithComponent("cmd")

	if err := rootCmd.Execute(); err != nil {
		log.Error().
			Err(err).
			Msg("Command execution failed")
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().BoolP("version", "v", false, "Print version information")
}
