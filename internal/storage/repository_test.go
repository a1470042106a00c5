package storage

import (
	"context"
	"errors"
	"testing"
	"strings"
	"time"

	"market-radar/internal/config"
)

func TestStoreWithoutPool(t *testing.T) {
	var s *Store
	ctx := context.Background()

	if _, err := s.InsertAlert(ctx, Alert{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := s.ListRecentAlerts(ctx, 10); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := s.DeleteAlertsBefore(ctx, time.Now()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, _, err := s.TryAdvisoryLock(ctx, 1); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	s.Close()
}

func TestNewPoolRejectsBadDSN(t *testing.T) {
	ctx := context.Background()
	if _, err := NewPool(ctx, config.DatabaseConfig{}); err == nil {
		t.Fatal("空 dsn 应返回错误")
	}
	_, err := NewPool(ctx, config.DatabaseConfig{DSN: "postgres://radar@localhost:notaport/radar"})
	if err == nil || !strings.Contains(err.Error(), "parse database dsn") {
		t.Fatalf("非法 dsn 应在解析阶段失败, got %v", err)
	}
}
