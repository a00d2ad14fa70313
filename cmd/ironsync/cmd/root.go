package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironsync/internal/logging"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

var (
	configPath string
	logDebug   bool
	logJSON    bool
	logUID     bool

	logger = slog.Default()
)

var rootCmd = &cobra.Command{
	Use:   "ironsync",
	Short: "IronSync is a client-side encrypted record sync engine",
	Long: `Synchronize records between a local store and a storage server. Records are
encrypted on the client before upload; the server only ever sees ciphertext.
Complete documentation is available at https://github.com/jmcleod/ironsync`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger = logging.Setup(logging.Options{
			Debug:   logDebug,
			JSON:    logJSON,
			UID:     logUID,
			Service: "ironsync",
			Version: Version,
		})
		slog.SetDefault(logger)
	},
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "ironsync.yaml", "Path to the configuration file")
	rootCmd.PersistentFlags().BoolVar(&logDebug, "log-debug", false, "Log debug messages")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Log in JSON format")
	rootCmd.PersistentFlags().BoolVar(&logUID, "log-uid", false, "Tag every log line with a random run id")
}
