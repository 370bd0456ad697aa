package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jaliph/wa-relay/alert"
	"github.com/jaliph/wa-relay/api"
	"github.com/jaliph/wa-relay/config"
	"github.com/jaliph/wa-relay/database"
	"github.com/jaliph/wa-relay/metrics"
	"github.com/jaliph/wa-relay/relay"
	"github.com/jaliph/wa-relay/server"
	"github.com/jaliph/wa-relay/store"
	"github.com/jaliph/wa-relay/utils"
	"github.com/jaliph/wa-relay/whatsapp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay",
	Long:  "Connects the WhatsApp session, relays inbound messages to the orchestrator and serves the HTTP API.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func openJournal(cfg config.DatabaseConfig) (*database.Database, error) {
	var archive *database.GormDB
	if cfg.MSSQLServer != "" {
		var err error
		archive, err = database.NewGormDB(cfg.MSSQLServer, cfg.MSSQLDatabase, cfg.MSSQLUsername, cfg.MSSQLPassword)
		if err != nil {
			// the relay works without the archive
			utils.Logger.Warn("MSSQL archive unavailable", "component", "cmd.serve", "error", err)
			archive = nil
		}
	}
	return database.NewDatabase(cfg.JournalPath, archive)
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := utils.Logger.With("component", "cmd.serve")
	waLevel := whatsmeowLevel(cfg.Logging.Level)

	creds, err := store.OpenCredentialStore(ctx, cfg.WhatsApp.StorePath, utils.WhatsmeowLogger("store", waLevel))
	if err != nil {
		return err
	}
	defer creds.Close()

	journal, err := openJournal(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open delivery journal: %w", err)
	}
	defer journal.Close()

	m := metrics.New()

	var terminal io.Writer
	if cfg.WhatsApp.PrintQR {
		terminal = os.Stdout
	}
	qr := whatsapp.NewQRManager(terminal)
	hub := whatsapp.NewStatusHub()
	activity := whatsapp.NewActivityRing(cfg.Relay.ActivityCapacity)

	var handler *whatsapp.MessageHandler
	supervisor := whatsapp.NewSupervisor(whatsapp.SupervisorOptions{
		Factory: &whatsapp.MeowFactory{
			Devices: creds,
			Log:     utils.WhatsmeowLogger("client", waLevel),
		},
		Credentials: creds,
		Policy: whatsapp.RetryPolicy{
			MaxRetries: cfg.WhatsApp.MaxRetries,
			Delay:      cfg.WhatsApp.RetryDelay,
		},
		Status:  hub,
		Pairing: qr,
		Messages: whatsapp.MessageSinkFunc(func(batch []whatsapp.RawMessage) bool {
			return handler.Enqueue(batch)
		}),
		Notifier: alert.New(cfg.Alert),
		Metrics:  m,
	})
	clients := whatsapp.NewClientManager(supervisor, m)

	var refresher whatsapp.MediaRefresher
	if cfg.WhatsApp.RefreshMedia {
		refresher = clients
	}
	resolver := whatsapp.NewMediaResolver(clients, refresher, whatsapp.MediaConfig{
		RefreshTimeout:  cfg.WhatsApp.RefreshTimeout,
		RefreshRetries:  cfg.WhatsApp.RefreshRetries,
		DownloadTimeout: cfg.WhatsApp.DownloadTimeout,
	})

	dispatcher := relay.NewDispatcher(cfg.Orchestrator, m)
	handler = whatsapp.NewMessageHandler(whatsapp.MessageHandlerOptions{
		Normalize: whatsapp.NormalizeOptions{
			CaptionLimit:       cfg.Relay.CaptionLimit,
			DefaultButtonReply: cfg.Relay.DefaultButtonReply,
		},
		Media:     resolver,
		Forwarder: dispatcher,
		Activity:  activity,
		Journal:   journal,
		Dedup:     whatsapp.NewDedupWindow(cfg.Relay.DedupWindow),
		Metrics:   m,
		QueueSize: cfg.WhatsApp.QueueSize,
	})
	go handler.Run(ctx)

	srv := server.NewServer(cfg.Server, api.NewHandler(api.HandlerOptions{
		Messenger:       clients,
		Status:          supervisor,
		Hub:             hub,
		Activity:        activity,
		QR:              qr,
		Journal:         journal,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		ImageCaption:    cfg.Relay.ImageCaption,
		DefaultFileName: cfg.Relay.DefaultFileName,
	}), m.Handler())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	supervisor.Start(ctx)
	log.Info("Relay started",
		"addr", cfg.Server.Addr(),
		"dashboard", cfg.Server.URL(),
		"webhook", dispatcher.URL(),
		"media_refresh", resolver.CanRefresh(),
	)

	select {
	case <-ctx.Done():
		log.Info("Shutting down")
	case err = <-errCh:
		if err != nil {
			log.Error("HTTP server failed", "error", err)
		}
	}

	supervisor.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Warn("HTTP shutdown incomplete", "error", serr)
	}
	return err
}
