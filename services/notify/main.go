package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/diagnosis/chainconsult/pkg/config"
	"github.com/diagnosis/chainconsult/pkg/events"
	"github.com/diagnosis/chainconsult/pkg/logger"
	"github.com/diagnosis/chainconsult/pkg/metrics"
	mw "github.com/diagnosis/chainconsult/pkg/middleware"
	"github.com/diagnosis/chainconsult/services/notify/internal/dispatcher"
	"github.com/diagnosis/chainconsult/services/notify/internal/mailer"
	"github.com/go-chi/chi/v5"
)

const serviceName = "notify"

func main() {
	cfg := config.Load()

	eventBus, err := events.NewNATSEventBus(cfg.NATS.URL, serviceName)
	if err != nil {
		logger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer eventBus.Close()

	d := dispatcher.New(mailer.New(newSender(cfg.Email)))
	if err := eventBus.QueueSubscribe(events.NotifySend, cfg.NATS.QueueGroup, d.Handle); err != nil {
		logger.Error("Failed to subscribe", "error", err, "subject", events.NotifySend)
		os.Exit(1)
	}

	reg := metrics.NewRegistry()

	r := chi.NewRouter()
	r.Use(mw.RequestID)
	r.Use(mw.ServiceName(serviceName))
	r.Use(mw.Logging)
	r.Use(mw.Health)
	r.Use(mw.Metrics(reg, metrics.NewHTTPMetrics(reg, serviceName)))

	port := cfg.Server.NotifyPort
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down notify service...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Notify service shutdown error", "error", err)
		}
	}()

	logger.Info("Starting notify service", "port", port, "subject", events.NotifySend, "queue", cfg.NATS.QueueGroup)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Notify service error", "error", err)
		os.Exit(1)
	}
}

// newSender picks the transport: dev output, then MailerSend, then SMTP.
func newSender(cfg config.EmailConfig) mailer.Sender {
	if cfg.DevMode {
		logger.Info("Email dev mode: messages are printed, not sent")
		return mailer.NewDevMailer(os.Stdout)
	}
	if ms := mailer.NewMailerSend(cfg.MailerSendKey, cfg.FromName, cfg.SMTPFrom); ms.Enabled() {
		return ms
	}
	return mailer.NewSMTPMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom, cfg.SMTPUser, cfg.SMTPPass, cfg.SMTPUseTLS)
}
