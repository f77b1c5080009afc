package nats

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/evidence-core/internal/core/domain"
)

func TestDecodeCorpusChange(t *testing.T) {
	change, err := decodeCorpusChange([]byte(`{"event_id":"e1","document_id":"doc-1","added":12,"removed":3}`))
	if err != nil {
		t.Fatalf("decodeCorpusChange() error = %v", err)
	}
	if change.Records() != 15 || change.DocumentID != "doc-1" {
		t.Fatalf("unexpected change %+v", change)
	}

	legacy, err := decodeCorpusChange([]byte("doc-2\n"))
	if err != nil {
		t.Fatalf("decodeCorpusChange() legacy error = %v", err)
	}
	if legacy.DocumentID != "doc-2" || legacy.Records() != 1 {
		t.Fatalf("unexpected legacy change %+v", legacy)
	}

	for _, bad := range []string{"", "{not json", `{"added":-1}`} {
		if _, err := decodeCorpusChange([]byte(bad)); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestClassifyAuditPublishError(t *testing.T) {
	if !classifyAuditPublishError(fmt.Errorf("publish: %w", nats.ErrConnectionClosed)).Retryable {
		t.Fatalf("closed connection must be retryable")
	}
	if classifyAuditPublishError(context.Canceled).RecordFailure {
		t.Fatalf("cancellation must not count as failure")
	}
	if classifyAuditPublishError(errors.New("unexpected")).Retryable {
		t.Fatalf("unknown errors must not be retried")
	}
	payload := classifyAuditPublishError(nats.ErrMaxPayload)
	if payload.Retryable || payload.RecordFailure {
		t.Fatalf("oversized payload must neither retry nor trip the breaker")
	}
}

func TestWrapTemporaryIfNeeded(t *testing.T) {
	err := wrapTemporaryIfNeeded("nats publish verification", nats.ErrNoServers)
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary error, got %v", err)
	}
	if wrapTemporaryIfNeeded("nats publish verification", nil) != nil {
		t.Fatalf("nil must stay nil")
	}
	if domain.IsKind(wrapTemporaryIfNeeded("nats publish verification", nats.ErrMaxPayload), domain.ErrTemporary) {
		t.Fatalf("oversized payload is not temporary")
	}
}
