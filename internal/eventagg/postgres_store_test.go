package eventagg

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// NewPostgresStore against a real server is an integration concern, not
// covered here. These tests exercise the parts that don't need a live
// connection: config validation and error classification.

func TestNewPostgresStoreRejectsEmptyDSN(t *testing.T) {
	_, err := NewPostgresStore(context.Background(), PostgresStoreConfig{})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestDefaultPostgresStoreConfig(t *testing.T) {
	cfg := DefaultPostgresStoreConfig("postgres://localhost/useraggd")
	if cfg.MaxConns <= cfg.MinConns {
		t.Fatalf("expected MaxConns > MinConns, got max=%d min=%d", cfg.MaxConns, cfg.MinConns)
	}
	if cfg.DSN == "" {
		t.Fatal("expected DSN to be preserved")
	}
}

func TestClassifyStoreErrorMapsTransientFailures(t *testing.T) {
	transient := []error{
		errors.New("dial tcp: connection refused"),
		errors.New("read: connection reset by peer"),
		fmt.Errorf("context deadline exceeded"),
		errors.New("FATAL: too many clients already"),
	}
	for _, err := range transient {
		got := classifyStoreError(err)
		if !errors.Is(got, ErrStoreUnavailable) {
			t.Errorf("expected %v to classify as ErrStoreUnavailable, got %v", err, got)
		}
	}
}

func TestClassifyStoreErrorPassesThroughQueryErrors(t *testing.T) {
	queryErr := errors.New(`ERROR: column "nope" does not exist`)
	got := classifyStoreError(queryErr)
	if errors.Is(got, ErrStoreUnavailable) {
		t.Fatalf("expected query error to pass through unclassified, got %v", got)
	}
	if got != queryErr {
		t.Fatalf("expected the original error to be returned unwrapped, got %v", got)
	}
}

func TestClassifyStoreErrorNil(t *testing.T) {
	if err := classifyStoreError(nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}
