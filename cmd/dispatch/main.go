// Command dispatch is the Mail Dispatch Engine's MTA-facing front end
// (spec component C6): an MTA pipes one message to this binary's stdin,
// and it is relayed to every matching subscriber. Exit code 0 always,
// except for configuration or storage failures that make processing
// impossible — per-message faults are swallowed so the MTA never
// retries a message this binary already handled.
package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"net/mail"
	"os"
	"strings"

	"github.com/nugget/pts/internal/bounce"
	"github.com/nugget/pts/internal/config"
	"github.com/nugget/pts/internal/dispatch"
	"github.com/nugget/pts/internal/mailmsg"
	"github.com/nugget/pts/internal/metrics"
	"github.com/nugget/pts/internal/storage"
	"github.com/nugget/pts/internal/transport"
	"github.com/nugget/pts/internal/vendorhooks"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	sentTo := flag.String("sentto", "", "envelope recipient local part (overrides MTA environment detection)")
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

	smtpCfg := transport.Config{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		StartTLS: cfg.SMTP.StartTLS,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
	}

	bounceEngine := bounce.NewEngine(store, cfg.FQDN, cfg.Bounce.Policy(), smtpCfg, "owner@"+cfg.FQDN)

	engine := &dispatch.Engine{
		Store:  store,
		Vendor: vendor,
		Bounce: bounceEngine,
		FQDN:   cfg.FQDN,
		SMTP:   smtpCfg,
	}

	recipient := resolveSentTo(*sentTo, raw)
	if recipient == "" {
		logger.Error("could not determine envelope recipient from flags, MTA environment, or To header")
		os.Exit(0)
	}

	result, err := engine.Dispatch(context.Background(), raw, recipient)
	if err != nil {
		logger.Error("dispatch failed", "sent_to", recipient, "error", err)
		// A processing failure is still a successful MTA handoff: the
		// message has been durably triaged (or at worst logged), and
		// retrying it at the MTA would only reproduce the same error.
		os.Exit(0)
	}

	if result.Dropped {
		logger.Info("message dropped", "sent_to", recipient, "reason", result.DropCause)
		metrics.DispatchDroppedTotal.WithLabelValues(result.DropCause).Inc()
		os.Exit(0)
	}

	logger.Info("message dispatched", "package", result.Package, "keyword", result.Keyword, "sent", result.Sent, "failed", result.Failed)
	metrics.DispatchSentTotal.WithLabelValues(result.Package, result.Keyword).Add(float64(result.Sent))
}

// resolveSentTo determines the envelope recipient local part per spec
// §6's MTA integration contract: an explicit -sentto flag wins, then
// Postfix's ORIGINAL_RECIPIENT, then Exim's LOCAL_PART(+DOMAIN), and
// finally the message's own To header as a last resort for MTAs that
// provide neither.
func resolveSentTo(flagValue string, raw []byte) string {
	if flagValue != "" {
		return localPart(flagValue)
	}
	if v := os.Getenv("ORIGINAL_RECIPIENT"); v != "" {
		return localPart(v)
	}
	if v := os.Getenv("LOCAL_PART"); v != "" {
		return v
	}

	msg, err := mailmsg.Parse(raw)
	if err != nil {
		return ""
	}
	to := msg.Header.Get("To")
	if to == "" {
		return ""
	}
	addr, err := mail.ParseAddress(to)
	if err != nil {
		return ""
	}
	return localPart(addr.Address)
}

func localPart(addr string) string {
	if i := strings.IndexByte(addr, '@'); i >= 0 {
		return addr[:i]
	}
	return addr
}
