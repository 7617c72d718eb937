package sos

import (
	"testing"
	"time"

	"github.com/meshsar/beacon/backend/internal/identity"
)

func TestResolveReportAppliesWhenNoRecordExists(t *testing.T) {
	resolved := identity.Identity{CanonicalID: "device-abc123", CRC: crcPtr(12345)}
	incoming := Report{
		LocalMessageID: "11111111-1111-4111-8111-111111111111",
		SenderToken:    "device-abc123",
		Content:        "need help",
		Latitude:       -6.2,
		Longitude:      106.8,
		Status:         StatusActive,
		OccurredAtUs:   1_700_000_000_000_000,
	}

	outcome := resolveReport(nil, resolved, incoming, true, testClockTime)
	if !outcome.Applied {
		t.Fatalf("expected report to be applied")
	}
	if outcome.Record.SenderDeviceID != "device-abc123" {
		t.Fatalf("unexpected canonical id: %s", outcome.Record.SenderDeviceID)
	}
	if outcome.Record.SenderCRC == nil || *outcome.Record.SenderCRC != 12345 {
		t.Fatalf("expected cached crc 12345, got %#v", outcome.Record.SenderCRC)
	}
	if !outcome.Record.FromServer {
		t.Fatalf("expected from_server to be set on the sync path")
	}
	if outcome.Record.CreatedAtUs != testClockTime.UnixMicro() {
		t.Fatalf("expected created_at to be server time")
	}
	if outcome.Record.UpdatedAtUs != testClockTime.UnixMicro() {
		t.Fatalf("expected updated_at to be server time")
	}
}

func TestResolveReportAppliesStrictlyNewer(t *testing.T) {
	existing := &SOSRecord{
		ID:             7,
		LocalMessageID: "11111111-1111-4111-8111-111111111111",
		SenderDeviceID: "device-abc123",
		SenderCRC:      crcPtr(12345),
		Status:         StatusActive,
		OccurredAtUs:   1_700_000_000_000_000,
		CreatedAtUs:    1_700_000_001_000_000,
		UpdatedAtUs:    1_700_000_001_000_000,
	}
	resolved := identity.Identity{CanonicalID: "device-abc123", CRC: crcPtr(12345)}
	incoming := Report{
		LocalMessageID: "22222222-2222-4222-8222-222222222222",
		SenderToken:    "device-abc123",
		Content:        "resolved now",
		Status:         StatusResolved,
		OccurredAtUs:   1_700_000_000_000_001,
	}

	outcome := resolveReport(existing, resolved, incoming, true, testClockTime)
	if !outcome.Applied {
		t.Fatalf("expected strictly newer report to win")
	}
	if outcome.Record.ID != 7 {
		t.Fatalf("expected in-place update of row 7, got %d", outcome.Record.ID)
	}
	if outcome.Record.Status != StatusResolved {
		t.Fatalf("expected status RESOLVED, got %s", outcome.Record.Status)
	}
	if outcome.Record.LocalMessageID != incoming.LocalMessageID {
		t.Fatalf("expected stored local id to follow the accepted report")
	}
	if outcome.Record.CreatedAtUs != existing.CreatedAtUs {
		t.Fatalf("created_at must be preserved across updates")
	}
	if outcome.Record.UpdatedAtUs != testClockTime.UnixMicro() {
		t.Fatalf("updated_at must be server time of the accepted write")
	}
}

func TestResolveReportSkipsEqualTimestamp(t *testing.T) {
	existing := &SOSRecord{
		SenderDeviceID: "device-abc123",
		Status:         StatusActive,
		Content:        "stored",
		OccurredAtUs:   1_700_000_000_000_000,
	}
	resolved := identity.Identity{CanonicalID: "device-abc123"}
	incoming := Report{
		Content:      "incoming",
		Status:       StatusCancelled,
		OccurredAtUs: 1_700_000_000_000_000,
	}

	outcome := resolveReport(existing, resolved, incoming, true, testClockTime)
	if outcome.Applied {
		t.Fatalf("equal timestamps must not overwrite stored state")
	}
	if outcome.Record.Content != "stored" {
		t.Fatalf("stored state must be returned unchanged")
	}
}

func TestResolveReportSkipsOlderTimestamp(t *testing.T) {
	existing := &SOSRecord{
		SenderDeviceID: "device-abc123",
		Status:         StatusResolved,
		OccurredAtUs:   1_700_000_000_000_000,
	}
	resolved := identity.Identity{CanonicalID: "device-abc123"}
	incoming := Report{
		Status:       StatusActive,
		OccurredAtUs: 1_699_999_999_000_000,
	}

	outcome := resolveReport(existing, resolved, incoming, true, testClockTime)
	if outcome.Applied {
		t.Fatalf("older report must not overwrite stored state")
	}
	if outcome.Record.Status != StatusResolved {
		t.Fatalf("stored status must be unchanged")
	}
}

func TestResolveReportOrderIndependentConvergence(t *testing.T) {
	resolved := identity.Identity{CanonicalID: "device-abc123", CRC: crcPtr(99)}
	older := Report{
		LocalMessageID: "11111111-1111-4111-8111-111111111111",
		Content:        "older",
		Status:         StatusActive,
		OccurredAtUs:   1_700_000_000_000_000,
	}
	newer := Report{
		LocalMessageID: "22222222-2222-4222-8222-222222222222",
		Content:        "newer",
		Status:         StatusResolved,
		OccurredAtUs:   1_700_000_001_000_000,
	}

	apply := func(first, second Report) *SOSRecord {
		outcome := resolveReport(nil, resolved, first, true, testClockTime)
		next := resolveReport(outcome.Record, resolved, second, true, testClockTime.Add(time.Second))
		return next.Record
	}

	forward := apply(older, newer)
	reversed := apply(newer, older)

	if forward.Content != "newer" || reversed.Content != "newer" {
		t.Fatalf("both arrival orders must converge on the newer report, got %q and %q", forward.Content, reversed.Content)
	}
	if forward.OccurredAtUs != newer.OccurredAtUs || reversed.OccurredAtUs != newer.OccurredAtUs {
		t.Fatalf("stored event time must be the maximum")
	}
}

func TestResolveReportFromServerPolicy(t *testing.T) {
	resolved := identity.Identity{CanonicalID: "device-abc123"}
	incoming := Report{Status: StatusActive, OccurredAtUs: 1}

	direct := resolveReport(nil, resolved, incoming, false, testClockTime)
	if direct.Record.FromServer {
		t.Fatalf("direct writes must not be marked from_server")
	}
	relayed := resolveReport(nil, resolved, incoming, true, testClockTime)
	if !relayed.Record.FromServer {
		t.Fatalf("sync-upload writes must be marked from_server")
	}
}

func TestLatestReportPicksMaxOccurredAt(t *testing.T) {
	reports := []Report{
		{LocalMessageID: "a", OccurredAtUs: 10},
		{LocalMessageID: "b", OccurredAtUs: 30},
		{LocalMessageID: "c", OccurredAtUs: 20},
	}

	latest := latestReport(reports)
	if latest.LocalMessageID != "b" {
		t.Fatalf("expected report b to win the batch reduction, got %s", latest.LocalMessageID)
	}
}

func TestLatestReportKeepsFirstOnTie(t *testing.T) {
	reports := []Report{
		{LocalMessageID: "a", OccurredAtUs: 10},
		{LocalMessageID: "b", OccurredAtUs: 10},
	}

	latest := latestReport(reports)
	if latest.LocalMessageID != "a" {
		t.Fatalf("tie must keep the earliest report in batch order, got %s", latest.LocalMessageID)
	}
}
