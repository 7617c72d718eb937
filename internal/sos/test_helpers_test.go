package sos

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/meshsar/beacon/backend/internal/identity"
	"gorm.io/gorm"
)

var testClockTime = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

func crcPtr(value uint32) *uint32 {
	v := value
	return &v
}

func mustOccurredAt(t *testing.T, value string) int64 {
	t.Helper()
	us, err := ParseOccurredAt(value)
	if err != nil {
		t.Fatalf("unexpected occurred_at error: %v", err)
	}
	return us
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:beacon_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&SOSRecord{}, &identity.CrcMapping{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := func() time.Time { return testClockTime }

	resolver, err := identity.NewResolver(identity.ResolverConfig{
		Database: db,
		Clock:    clock,
	})
	if err != nil {
		t.Fatalf("failed to construct resolver: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database: db,
		Resolver: resolver,
		Clock:    clock,
	})
	if err != nil {
		t.Fatalf("failed to construct sync service: %v", err)
	}

	return service, db
}
