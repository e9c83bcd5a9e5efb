package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

const defaultRelay = "http://localhost:8080"

var rootCmd = &cobra.Command{
	Use:   "beam",
	Short: "Beam - send files peer to peer with a short code",
	Long: `Beam sends a file directly between two machines over an encrypted
WebRTC data channel. The sender gets a short code from a relay registry,
the receiver types it in, and the file never touches the relay.

Use 'beam serve' to run the relay registry.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// setupLogging installs a stderr text logger. Client commands pass
// slog.LevelWarn so log lines do not tear through the progress UI.
func setupLogging(logLevel slog.Level) {
	if os.Getenv("DEBUG") != "" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)
}

// relayURL returns the relay address with priority:
// 1. From --relay flag
// 2. From BEAM_RELAY environment variable
// 3. A local relay
func relayURL(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("BEAM_RELAY"); env != "" {
		return env
	}
	return defaultRelay
}

func exitWithError(msg string, err error) {
	fmt.Fprintf(os.Stderr, "❌ %s: %v\n", msg, err)
	os.Exit(1)
}
