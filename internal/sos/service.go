package sos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meshsar/beacon/backend/internal/identity"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingResolver = errors.New("identity resolver is required")
	errEmptyBatch      = errors.New("empty report batch")
	noOpLogger         = zap.NewNop()
)

// ServiceError wraps a failure with an operation-scoped code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "sos.service.new"
	opUpload     = "sos.upload"
	opDownload   = "sos.download"
	opReport     = "sos.report"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IdentityResolver maps transport-level sender tokens to canonical device
// identities. Kept behind an interface so the checksum scheme can be swapped
// without touching reconciliation.
type IdentityResolver interface {
	Resolve(ctx context.Context, senderToken string) (identity.Identity, error)
}

// ServiceConfig carries the dependencies for the sync service.
type ServiceConfig struct {
	Database *gorm.DB
	Resolver IdentityResolver
	Clock    func() time.Time
	Logger   *zap.Logger
	// AckDumpLimit caps the full acknowledgment dump on download; zero means
	// unlimited, which matches the historical wire behavior.
	AckDumpLimit int
}

// Service owns the reconciliation core: batched upload with per-sender
// isolation, cursor-based download, and the direct single-device post path.
type Service struct {
	db           *gorm.DB
	resolver     IdentityResolver
	clock        func() time.Time
	logger       *zap.Logger
	ackDumpLimit int
	// reconcile runs one read-compare-write attempt for a resolved sender.
	// Held as a field so tests can interpose conflict faults.
	reconcile func(ctx context.Context, resolved identity.Identity, report Report) error
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Resolver == nil {
		return nil, newServiceError(opServiceNew, "missing_resolver", errMissingResolver)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	service := &Service{
		db:           cfg.Database,
		resolver:     cfg.Resolver,
		clock:        clock,
		logger:       logger,
		ackDumpLimit: cfg.AckDumpLimit,
	}
	service.reconcile = service.reconcileOnce
	return service, nil
}

// UploadResult aggregates a batch upload: ids the client need not retransmit,
// per-sender failure detail, and acknowledgment data for the processed ids.
type UploadResult struct {
	ProcessedIDs []string
	Errors       []string
	AckData      []AckEntry
}

// Upload reconciles a batch of reports. Reports are grouped by their raw
// sender token; each group reduces to its newest report, which is then
// resolved and reconciled inside its own transaction. A failure in one group
// is recorded and does not abort the others. A processed id means the client
// may stop retransmitting, whether the report was applied or skipped.
func (s *Service) Upload(ctx context.Context, reports []Report) (UploadResult, error) {
	if len(reports) == 0 {
		return UploadResult{}, newServiceError(opUpload, "empty_batch", errEmptyBatch)
	}

	groupOrder := make([]string, 0, len(reports))
	groups := make(map[string][]Report, len(reports))
	for _, report := range reports {
		if _, seen := groups[report.SenderToken]; !seen {
			groupOrder = append(groupOrder, report.SenderToken)
		}
		groups[report.SenderToken] = append(groups[report.SenderToken], report)
	}

	result := UploadResult{
		ProcessedIDs: make([]string, 0, len(groupOrder)),
	}

	for _, token := range groupOrder {
		reduced := latestReport(groups[token])
		if err := s.applyReport(ctx, token, reduced); err != nil {
			detail := fmt.Sprintf("failed to process messages for sender %s: %v", token, err)
			result.Errors = append(result.Errors, detail)
			s.logError(opUpload, "sender_group_failed", err,
				zap.String("sender_token", token),
				zap.String("local_message_id", reduced.LocalMessageID))
			continue
		}
		result.ProcessedIDs = append(result.ProcessedIDs, reduced.LocalMessageID)
	}

	for _, localMessageID := range result.ProcessedIDs {
		var record SOSRecord
		err := s.db.WithContext(ctx).
			Where("local_message_id = ?", localMessageID).
			Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Superseded within the same batch by a newer write that replaced
			// the stored local id; nothing to acknowledge for it.
			continue
		}
		if err != nil {
			return UploadResult{}, newServiceError(opUpload, "ack_lookup_failed", err)
		}
		result.AckData = append(result.AckData, AckEntry{
			LocalMessageID: record.LocalMessageID,
			SenderDeviceID: record.SenderDeviceID,
			SenderCRC:      record.SenderCRC,
			FromServer:     record.FromServer,
			OccurredAtUs:   record.OccurredAtUs,
		})
	}

	return result, nil
}

// applyReport resolves one sender's identity and runs the read-compare-write
// for its reduced report. A unique-constraint violation means a concurrent
// writer won the race; the sequence is re-run once against the fresh state.
func (s *Service) applyReport(ctx context.Context, senderToken string, report Report) error {
	resolved, err := s.resolver.Resolve(ctx, senderToken)
	if err != nil {
		return err
	}

	err = s.reconcile(ctx, resolved, report)
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		s.logger.Warn("unique constraint conflict, retrying reconciliation",
			zap.String("sender_device_id", resolved.CanonicalID),
			zap.String("local_message_id", report.LocalMessageID))
		err = s.reconcile(ctx, resolved, report)
	}
	return err
}

func (s *Service) reconcileOnce(ctx context.Context, resolved identity.Identity, report Report) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := lockCurrentRecord(tx, resolved)
		if err != nil {
			return err
		}

		outcome := resolveReport(existing, resolved, report, true, s.clock())
		if !outcome.Applied {
			s.logger.Debug("report not newer, skipping",
				zap.String("sender_device_id", resolved.CanonicalID),
				zap.String("local_message_id", report.LocalMessageID))
			return nil
		}

		s.logger.Info("report accepted",
			zap.String("sender_device_id", resolved.CanonicalID),
			zap.String("local_message_id", report.LocalMessageID),
			zap.String("status", string(report.Status)))
		return tx.Save(outcome.Record).Error
	})
}

// lockCurrentRecord fetches the sender's current record for update, matching
// by canonical id with a checksum fallback. The fallback re-unifies records
// first stored under a relay placeholder, or under a different token sharing
// the same checksum.
func lockCurrentRecord(tx *gorm.DB, resolved identity.Identity) (*SOSRecord, error) {
	query := tx.Clauses(clause.Locking{Strength: "UPDATE"})
	if resolved.CRC != nil {
		query = query.Where("sender_device_id = ? OR sender_crc = ?", resolved.CanonicalID, *resolved.CRC)
	} else {
		query = query.Where("sender_device_id = ?", resolved.CanonicalID)
	}

	var existing SOSRecord
	err := query.Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &existing, nil
}

// DownloadResult carries the cursor-windowed records plus the full
// acknowledgment dump used by far-behind clients to reconcile identities.
type DownloadResult struct {
	Messages []SOSRecord
	AckData  []AckEntry
}

// Download returns records changed after the cursor, oldest change first so
// the client can persist the last updated_at_us it saw as its next cursor.
// The created_at_us arm of the filter covers rows that predate separate
// update tracking. Zero is a valid cursor meaning a full sync.
func (s *Service) Download(ctx context.Context, sinceUs int64) (DownloadResult, error) {
	var messages []SOSRecord
	err := s.db.WithContext(ctx).
		Where("updated_at_us > ? OR created_at_us > ?", sinceUs, sinceUs).
		Order("updated_at_us ASC").
		Find(&messages).Error
	if err != nil {
		s.logError(opDownload, "query_failed", err, zap.Int64("since_us", sinceUs))
		return DownloadResult{}, newServiceError(opDownload, "query_failed", err)
	}

	ackQuery := s.db.WithContext(ctx).Order("updated_at_us DESC")
	if s.ackDumpLimit > 0 {
		ackQuery = ackQuery.Limit(s.ackDumpLimit)
	}
	var all []SOSRecord
	if err := ackQuery.Find(&all).Error; err != nil {
		s.logError(opDownload, "ack_dump_failed", err)
		return DownloadResult{}, newServiceError(opDownload, "ack_dump_failed", err)
	}

	result := DownloadResult{Messages: messages, AckData: make([]AckEntry, 0, len(all))}
	for _, record := range all {
		result.AckData = append(result.AckData, AckEntry{
			LocalMessageID: record.LocalMessageID,
			SenderDeviceID: record.SenderDeviceID,
			SenderCRC:      record.SenderCRC,
			FromServer:     record.FromServer,
			OccurredAtUs:   record.OccurredAtUs,
		})
	}
	return result, nil
}

// Report applies a direct single-device post: plain last-writer-wins keyed by
// the device id alone, with no relay identity resolution. Returns the stored
// record and whether the incoming report was applied.
func (s *Service) Report(ctx context.Context, report DirectReport) (*SOSRecord, bool, error) {
	if report.BatteryLevel != nil {
		s.logger.Debug("battery level reported",
			zap.String("device_id", report.DeviceID),
			zap.Float64("battery_level", *report.BatteryLevel))
	}

	var stored SOSRecord
	applied := false

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing SOSRecord
		var existingPtr *SOSRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("sender_device_id = ?", report.DeviceID).
			Take(&existing).Error
		if err == nil {
			existingPtr = &existing
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if existingPtr != nil && report.OccurredAtUs <= existingPtr.OccurredAtUs {
			stored = *existingPtr
			return nil
		}

		nowUs := s.clock().UTC().UnixMicro()
		updated := SOSRecord{
			LocalMessageID: report.LocalMessageID,
			SenderDeviceID: report.DeviceID,
			Content:        report.Content,
			Latitude:       report.Latitude,
			Longitude:      report.Longitude,
			Status:         report.Status,
			OccurredAtUs:   report.OccurredAtUs,
			CreatedAtUs:    nowUs,
			UpdatedAtUs:    nowUs,
			FromServer:     false,
		}
		if existingPtr != nil {
			updated.ID = existingPtr.ID
			updated.CreatedAtUs = existingPtr.CreatedAtUs
			// The direct path never computes checksums; keep whatever the
			// sync path cached for this device.
			updated.SenderCRC = existingPtr.SenderCRC
			updated.SenderName = existingPtr.SenderName
		}

		if err := tx.Save(&updated).Error; err != nil {
			return err
		}
		stored = updated
		applied = true
		return nil
	})
	if txErr != nil {
		s.logError(opReport, "reconcile_failed", txErr, zap.String("device_id", report.DeviceID))
		return nil, false, newServiceError(opReport, "reconcile_failed", txErr)
	}

	return &stored, applied, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("sos service error", attrs...)
}
