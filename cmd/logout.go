package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jaliph/wa-relay/store"
	"github.com/jaliph/wa-relay/utils"
)

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Delete the stored WhatsApp credentials",
	Long:  "Deletes every linked device from the credential store so the next start shows a new pairing code.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := utils.Logger.With("component", "cmd.logout")

		ctx := cmd.Context()
		creds, err := store.OpenCredentialStore(ctx, cfg.WhatsApp.StorePath,
			utils.WhatsmeowLogger("store", whatsmeowLevel(cfg.Logging.Level)))
		if err != nil {
			return err
		}
		defer creds.Close()

		paired, err := creds.Paired(ctx)
		if err != nil {
			return fmt.Errorf("failed to read credential store: %w", err)
		}
		if !paired {
			log.Info("No stored credentials", "path", cfg.WhatsApp.StorePath)
			return nil
		}
		if err := creds.Purge(ctx); err != nil {
			return err
		}
		log.Info("Stored credentials deleted", "path", cfg.WhatsApp.StorePath)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(logoutCmd)
}
