// Command control is the Control Command Processor's MTA-facing front
// end (spec component C5): an MTA pipes one control mail to this
// binary's stdin, and any resulting transcript reply is sent back to
// the requester. Like cmd/dispatch, it always exits 0 on a processed
// message — failures are logged to the transcript or to stderr, never
// surfaced to the MTA as a delivery failure.
package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"net/mail"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/nugget/pts/internal/config"
	"github.com/nugget/pts/internal/control"
	"github.com/nugget/pts/internal/mailmsg"
	"github.com/nugget/pts/internal/metrics"
	"github.com/nugget/pts/internal/storage"
	"github.com/nugget/pts/internal/transport"
	"github.com/nugget/pts/internal/vendorhooks"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfgPath, err := config.FindConfig(*configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	if cfg.LogLevel != "" {
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		logger.Error("failed to read message from stdin", "error", err)
		os.Exit(1)
	}

	store, err := storage.Open(cfg.StorageDir + "/pts.db")
	if err != nil {
		logger.Error("failed to open storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	vendor, err := vendorhooks.ByName(cfg.Vendor.Name)
	if err != nil {
		logger.Error("vendor", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	confirm := control.NewConfirmationStore(rdb, cfg.Confirm.TTL)

	rc := &control.RuntimeContext{
		Store:       store,
		Vendor:      vendor,
		FQDN:        cfg.FQDN,
		LoopAddress: cfg.ControlAddress + "@" + cfg.FQDN,
		Confirm:     confirm,
	}
	processor := control.NewProcessor(control.NewDefaultFactory(), rc)

	requester, err := requesterAddress(raw)
	if err != nil {
		logger.Warn("control: could not determine requester address, dropping message", "error", err)
		os.Exit(0)
	}

	reply, err := processor.Process(context.Background(), raw, requester)
	if err != nil {
		logger.Error("control: processing failed", "requester", requester, "error", err)
		metrics.ControlCommandsTotal.WithLabelValues("unknown", "error").Inc()
		os.Exit(0)
	}
	if reply == nil {
		// Loop guard tripped, or nothing in the message matched a
		// command. Per spec this is a silent drop, not a bounce.
		metrics.ControlCommandsTotal.WithLabelValues("unknown", "dropped").Inc()
		os.Exit(0)
	}

	smtpCfg := transport.Config{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		StartTLS: cfg.SMTP.StartTLS,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
	}
	results, err := transport.SendBatch(context.Background(), smtpCfg, reply, []transport.Envelope{
		{From: rc.LoopAddress, To: requester},
	})
	if err != nil {
		logger.Error("control: failed to send reply", "requester", requester, "error", err)
		metrics.ControlCommandsTotal.WithLabelValues("unknown", "send-error").Inc()
		os.Exit(0)
	}
	for _, r := range results {
		if r.Err != nil {
			logger.Warn("control: reply delivery failed", "to", r.To, "error", r.Err)
			metrics.ControlCommandsTotal.WithLabelValues("unknown", "send-error").Inc()
			continue
		}
		metrics.ControlCommandsTotal.WithLabelValues("unknown", "ok").Inc()
	}

	logger.Info("control message processed", "requester", requester)
}

// requesterAddress extracts the From address of a control mail, the
// identity every reply and confirmation token is addressed back to.
func requesterAddress(raw []byte) (string, error) {
	msg, err := mailmsg.Parse(raw)
	if err != nil {
		return "", err
	}
	addr, err := mail.ParseAddress(msg.Header.Get("From"))
	if err != nil {
		return "", err
	}
	return addr.Address, nil
}
