package cmd

import (
	"github.com/arcward/beanbot/beanbot"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the bot, the admin API and, if enabled, the webhook server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		bot, err := beanbot.New(cfg)
		if err != nil {
			return err
		}
		return bot.Run(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
