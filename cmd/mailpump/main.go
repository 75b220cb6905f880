// Command mailpump is the long-running alternative to piping mail
// directly from the MTA into cmd/dispatch and cmd/control: it polls
// one or more IMAP mailboxes on an interval and routes each new
// message to the dispatch or control engine in-process, for
// deployments that cannot configure their MTA to pipe mail to a local
// binary.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/mail"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nugget/pts/internal/bounce"
	"github.com/nugget/pts/internal/config"
	"github.com/nugget/pts/internal/control"
	"github.com/nugget/pts/internal/dispatch"
	"github.com/nugget/pts/internal/email"
	"github.com/nugget/pts/internal/events"
	"github.com/nugget/pts/internal/mailmsg"
	"github.com/nugget/pts/internal/metrics"
	"github.com/nugget/pts/internal/opstate"
	"github.com/nugget/pts/internal/storage"
	"github.com/nugget/pts/internal/transport"
	"github.com/nugget/pts/internal/vendorhooks"
)

const pollInterval = 1 * time.Minute

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

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
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	if !cfg.Email.Configured() {
		logger.Error("mailpump requires at least one configured email account")
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.StorageDir, 0755); err != nil {
		logger.Error("failed to create storage directory", "dir", cfg.StorageDir, "error", err)
		os.Exit(1)
	}

	store, err := storage.Open(cfg.StorageDir + "/pts.db")
	if err != nil {
		logger.Error("failed to open storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	state, err := opstate.NewStore(cfg.StorageDir + "/opstate.db")
	if err != nil {
		logger.Error("failed to open operational state store", "error", err)
		os.Exit(1)
	}
	defer state.Close()

	vendor, err := vendorhooks.ByName(cfg.Vendor.Name)
	if err != nil {
		logger.Error("vendor", "error", err)
		os.Exit(1)
	}

	manager := email.NewManager(cfg.Email, logger)
	defer manager.Close()
	poller := email.NewPoller(manager, state, logger)

	smtpCfg := transport.Config{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		StartTLS: cfg.SMTP.StartTLS,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
	}

	bounceEngine := bounce.NewEngine(store, cfg.FQDN, cfg.Bounce.Policy(), smtpCfg, "owner@"+cfg.FQDN)
	dispatchEngine := &dispatch.Engine{
		Store:  store,
		Vendor: vendor,
		Bounce: bounceEngine,
		FQDN:   cfg.FQDN,
		SMTP:   smtpCfg,
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	confirm := control.NewConfirmationStore(rdb, cfg.Confirm.TTL)

	controlRC := &control.RuntimeContext{
		Store:       store,
		Vendor:      vendor,
		FQDN:        cfg.FQDN,
		LoopAddress: cfg.ControlAddress + "@" + cfg.FQDN,
		Confirm:     confirm,
	}
	controlProcessor := control.NewProcessor(control.NewDefaultFactory(), controlRC)

	bus := events.New()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	logger.Info("mailpump starting", "accounts", manager.AccountNames(), "poll_interval", pollInterval)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	runPoll(ctx, poller, manager, controlProcessor, controlRC, dispatchEngine, smtpCfg, cfg.ControlAddress, bus, logger)
	for {
		select {
		case <-ctx.Done():
			logger.Info("mailpump stopped")
			return
		case <-ticker.C:
			runPoll(ctx, poller, manager, controlProcessor, controlRC, dispatchEngine, smtpCfg, cfg.ControlAddress, bus, logger)
		}
	}
}

// runPoll checks every account once, routing each new message to the
// control or dispatch engine by its envelope recipient's local part.
func runPoll(
	ctx context.Context,
	poller *email.Poller,
	manager *email.Manager,
	controlProcessor *control.Processor,
	controlRC *control.RuntimeContext,
	dispatchEngine *dispatch.Engine,
	smtpCfg transport.Config,
	controlLocalPart string,
	bus *events.Bus,
	logger *slog.Logger,
) {
	start := time.Now()
	results, err := poller.PollAll(ctx)
	if err != nil {
		logger.Warn("poll failed", "error", err)
		return
	}
	metrics.EmailPollDuration.WithLabelValues("all").Observe(time.Since(start).Seconds())

	for accountName, envelopes := range results {
		client, err := manager.Account(accountName)
		if err != nil {
			logger.Warn("account unavailable after poll", "account", accountName, "error", err)
			continue
		}
		for _, env := range envelopes {
			raw, err := client.ReadRawMessage(ctx, "INBOX", env.UID)
			if err != nil {
				logger.Warn("failed to fetch raw message", "account", accountName, "uid", env.UID, "error", err)
				continue
			}
			route(ctx, raw, controlProcessor, controlRC, dispatchEngine, smtpCfg, controlLocalPart, bus, logger)
		}
	}
}

// route classifies one already-fetched message by its envelope
// recipient local part (derived from the To header, since IMAP
// delivery carries no MTA environment variables) and hands it to the
// matching engine.
func route(
	ctx context.Context,
	raw []byte,
	controlProcessor *control.Processor,
	controlRC *control.RuntimeContext,
	dispatchEngine *dispatch.Engine,
	smtpCfg transport.Config,
	controlLocalPart string,
	bus *events.Bus,
	logger *slog.Logger,
) {
	sentTo := recipientLocalPart(raw)
	if sentTo == "" {
		logger.Warn("could not determine recipient local part, dropping message")
		return
	}

	if sentTo == controlLocalPart {
		requester, err := requesterAddress(raw)
		if err != nil {
			logger.Warn("control: could not determine requester address, dropping message", "error", err)
			return
		}
		reply, err := controlProcessor.Process(ctx, raw, requester)
		if err != nil {
			logger.Error("control: processing failed", "requester", requester, "error", err)
			return
		}
		bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceControl, Kind: events.KindCommandProcessed})
		if reply == nil {
			return
		}
		if _, err := transport.SendBatch(ctx, smtpCfg, reply, []transport.Envelope{
			{From: controlRC.LoopAddress, To: requester},
		}); err != nil {
			logger.Warn("control: failed to send reply", "requester", requester, "error", err)
		}
		return
	}

	result, err := dispatchEngine.Dispatch(ctx, raw, sentTo)
	if err != nil {
		logger.Error("dispatch failed", "sent_to", sentTo, "error", err)
		return
	}
	bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceDispatch, Kind: events.KindMailDispatched})
	if result.Dropped {
		logger.Info("message dropped", "sent_to", sentTo, "reason", result.DropCause)
		metrics.DispatchDroppedTotal.WithLabelValues(result.DropCause).Inc()
		return
	}
	logger.Info("message dispatched", "package", result.Package, "keyword", result.Keyword, "sent", result.Sent, "failed", result.Failed)
	metrics.DispatchSentTotal.WithLabelValues(result.Package, result.Keyword).Add(float64(result.Sent))
}

func recipientLocalPart(raw []byte) string {
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
	if i := strings.IndexByte(addr.Address, '@'); i >= 0 {
		return addr.Address[:i]
	}
	return addr.Address
}

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
