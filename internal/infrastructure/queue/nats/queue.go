package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/tabular-rag/internal/core/domain"
	"github.com/kirillkom/tabular-rag/internal/infrastructure/resilience"
)

const workerQueueGroup = "ingest-workers"

// Queue hands ingestion requests to workers through one NATS subject. Each
// request is delivered to a single member of the worker queue group.
type Queue struct {
	conn        *nats.Conn
	subject     string
	executor    *resilience.Executor
	logger      *slog.Logger
	lagObserver func(time.Duration)
}

func New(url, subject string) (*Queue, error) {
	return NewWithOptions(url, subject, Options{})
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
	Logger               *slog.Logger
	// LagObserver receives the delay between publish and delivery.
	LagObserver func(time.Duration)
}

func NewWithOptions(url, subject string, options Options) (*Queue, error) {
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

	conn, err := nats.Connect(
		url,
		nats.Name("tabular-rag"),
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
	return &Queue{
		conn:        conn,
		subject:     subject,
		executor:    options.ResilienceExecutor,
		logger:      logger,
		lagObserver: options.LagObserver,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

// ingestMessage is the wire envelope of a queued ingestion request.
type ingestMessage struct {
	Request     domain.IngestRequest `json:"request"`
	PublishedAt time.Time            `json:"publishedAt"`
}

func encodeIngestMessage(req domain.IngestRequest, now time.Time) ([]byte, error) {
	if req.RunID == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "encode ingest message", errors.New("run id is required"))
	}
	raw, err := json.Marshal(ingestMessage{Request: req, PublishedAt: now.UTC()})
	if err != nil {
		return nil, fmt.Errorf("marshal ingest message: %w", err)
	}
	return raw, nil
}

func decodeIngestMessage(data []byte) (ingestMessage, error) {
	var msg ingestMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ingestMessage{}, domain.WrapError(domain.ErrInvalidInput, "decode ingest message", err)
	}
	if msg.Request.RunID == "" {
		return ingestMessage{}, domain.WrapError(domain.ErrInvalidInput, "decode ingest message", errors.New("missing run id"))
	}
	return msg, nil
}

// PublishIngestRequested queues req. The caller assigns req.RunID so it can
// report the run before a worker picks it up.
func (q *Queue) PublishIngestRequested(ctx context.Context, req domain.IngestRequest) error {
	payload, err := encodeIngestMessage(req, time.Now())
	if err != nil {
		return err
	}

	call := func(_ context.Context) error {
		if err := q.conn.Publish(q.subject, payload); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	if q.executor != nil {
		err = q.executor.Execute(ctx, publishOperation, call, classifyPublishError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapPublishError(err)
	}
	return nil
}

// SubscribeIngestRequested blocks until ctx is done, running handler for
// every delivered request, then drains the subscription.
func (q *Queue) SubscribeIngestRequested(ctx context.Context, handler func(context.Context, domain.IngestRequest) error) error {
	sub, err := q.conn.QueueSubscribe(q.subject, workerQueueGroup, func(m *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}

		msg, err := decodeIngestMessage(m.Data)
		if err != nil {
			q.logger.Error("ingest_message_rejected", "error", err)
			return
		}
		if q.lagObserver != nil && !msg.PublishedAt.IsZero() {
			q.lagObserver(time.Since(msg.PublishedAt))
		}

		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := handler(handlerCtx, msg.Request); err != nil {
			q.logger.Error("ingest_handler_failed", "run_id", msg.Request.RunID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}
