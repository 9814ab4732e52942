package cmd

import (
	"fmt"

	"github.com/arcward/beanbot/beanbot"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and build details",
	Args:  cobra.NoArgs,
	// config isn't needed
	PersistentPreRun: func(*cobra.Command, []string) {},
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(
			cmd.OutOrStdout(),
			"beanbot %s (commit %s, built %s)\n",
			beanbot.Version,
			beanbot.CommitSHA,
			beanbot.BuildTime,
		)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
