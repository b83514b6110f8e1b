package nats

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/tabular-rag/internal/core/domain"
)

func TestIngestMessageRoundTrip(t *testing.T) {
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	req := domain.IngestRequest{RunID: "run-1", Field: "Item Description", BatchSize: 500, SkipRows: 1000, ClearExisting: true}

	raw, err := encodeIngestMessage(req, now)
	if err != nil {
		t.Fatalf("encode error = %v", err)
	}
	msg, err := decodeIngestMessage(raw)
	if err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if !reflect.DeepEqual(msg.Request, req) {
		t.Fatalf("request changed in transit: %+v vs %+v", msg.Request, req)
	}
	if !msg.PublishedAt.Equal(now) {
		t.Fatalf("unexpected publish time %v", msg.PublishedAt)
	}
}

func TestIngestMessageRequiresRunID(t *testing.T) {
	if _, err := encodeIngestMessage(domain.IngestRequest{}, time.Now()); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input on encode, got %v", err)
	}
	if _, err := decodeIngestMessage([]byte(`{"request":{}}`)); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input on decode, got %v", err)
	}
	if _, err := decodeIngestMessage([]byte(`row_12`)); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for legacy payload, got %v", err)
	}
}

func TestClassifyPublishError(t *testing.T) {
	if c := classifyPublishError(fmt.Errorf("publish: %w", nats.ErrConnectionClosed)); !c.Retryable {
		t.Fatalf("expected closed connection to be retryable")
	}
	if c := classifyPublishError(context.Canceled); c.Retryable || c.RecordFailure {
		t.Fatalf("expected cancellation to be neither retried nor recorded")
	}
	if c := classifyPublishError(errors.New("stream sealed")); c.Retryable {
		t.Fatalf("expected unknown errors to be final")
	}
	for _, rejected := range []error{nats.ErrMaxPayload, nats.ErrBadSubject} {
		c := classifyPublishError(fmt.Errorf("nats publish: %w", rejected))
		if c.Retryable || c.RecordFailure {
			t.Fatalf("expected %v to fail at once without tripping the breaker, got %+v", rejected, c)
		}
	}
}

func TestWrapPublishErrorTagsIngestQueueOperation(t *testing.T) {
	err := wrapPublishError(nats.ErrTimeout)
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected timeout to be temporary, got %v", err)
	}
	if !strings.Contains(err.Error(), publishOperation) {
		t.Fatalf("expected %q in %q", publishOperation, err.Error())
	}

	for _, rejected := range []error{nats.ErrMaxPayload, nats.ErrBadSubject} {
		err := wrapPublishError(fmt.Errorf("nats publish: %w", rejected))
		if !domain.IsKind(err, domain.ErrInvalidInput) {
			t.Fatalf("expected %v to be invalid input, got %v", rejected, err)
		}
		if !errors.Is(err, rejected) {
			t.Fatalf("expected %v to stay in the chain of %v", rejected, err)
		}
		if !strings.Contains(err.Error(), publishOperation) {
			t.Fatalf("expected %q in %q", publishOperation, err.Error())
		}
	}

	if wrapPublishError(nil) != nil {
		t.Fatalf("expected nil to pass through")
	}
}
