package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/evidence-core/internal/core/domain"
	"github.com/kirillkom/evidence-core/internal/core/ports"
	"github.com/kirillkom/evidence-core/internal/infrastructure/resilience"
)

// Bus carries corpus change events in and verification audit events out.
type Bus struct {
	conn          *nats.Conn
	corpusSubject string
	auditSubject  string
	queueGroup    string
	executor      *resilience.Executor
	logger        *slog.Logger
}

type Options struct {
	CorpusSubject        string
	AuditSubject         string
	QueueGroup           string
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
	Logger               *slog.Logger
}

func New(url string, options Options) (*Bus, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats")

	conn, err := nats.Connect(
		url,
		nats.Name("evidence-core"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Bus{
		conn:          conn,
		corpusSubject: valueOr(options.CorpusSubject, "corpus.changed"),
		auditSubject:  valueOr(options.AuditSubject, "evidence.verification"),
		queueGroup:    options.QueueGroup,
		executor:      options.ResilienceExecutor,
		logger:        logger,
	}, nil
}

func (b *Bus) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}

func (b *Bus) PublishVerification(ctx context.Context, audit ports.VerificationAudit) error {
	payload, err := json.Marshal(audit)
	if err != nil {
		return fmt.Errorf("marshal verification audit: %w", err)
	}
	call := func(_ context.Context) error {
		if err := b.conn.Publish(b.auditSubject, payload); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	if b.executor != nil {
		err = b.executor.Execute(ctx, "nats.publish_verification", call, classifyAuditPublishError)
	} else {
		err = call(ctx)
	}
	return wrapTemporaryIfNeeded("nats publish verification", err)
}

// SubscribeCorpusChanges blocks until ctx is done, then drains the subscription.
// Every replica keeps its own keyword index, so without a queue group each one sees every event.
func (b *Bus) SubscribeCorpusChanges(ctx context.Context, handler func(context.Context, domain.CorpusChange) error) error {
	onMsg := func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		change, err := decodeCorpusChange(msg.Data)
		if err != nil {
			b.logger.Warn("corpus_change_invalid", "subject", msg.Subject, "error", err)
			return
		}

		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := handler(handlerCtx, change); err != nil {
			b.logger.Error("corpus_change_handler_failed", "event_id", change.EventID, "error", err)
		}
	}

	var (
		sub *nats.Subscription
		err error
	)
	if b.queueGroup != "" {
		sub, err = b.conn.QueueSubscribe(b.corpusSubject, b.queueGroup, onMsg)
	} else {
		sub, err = b.conn.Subscribe(b.corpusSubject, onMsg)
	}
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := b.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

// decodeCorpusChange accepts the JSON event or, for older producers, a bare document id.
func decodeCorpusChange(data []byte) (domain.CorpusChange, error) {
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return domain.CorpusChange{}, errors.New("empty corpus change payload")
	}
	if !strings.HasPrefix(raw, "{") {
		return domain.CorpusChange{DocumentID: raw, Added: 1}, nil
	}
	var change domain.CorpusChange
	if err := json.Unmarshal([]byte(raw), &change); err != nil {
		return domain.CorpusChange{}, fmt.Errorf("decode corpus change: %w", err)
	}
	if change.Added < 0 || change.Removed < 0 {
		return domain.CorpusChange{}, fmt.Errorf("negative record counts in event %s", change.EventID)
	}
	return change, nil
}

func valueOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
