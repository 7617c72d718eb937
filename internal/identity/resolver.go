package identity

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Relay placeholders stand in for devices whose reports arrived over
// short-range radio. Only the checksum of the real device id survives the
// relay hop, encoded as a decimal suffix.
const relayPlaceholderPrefix = "ble-device-"

var relayPlaceholderPattern = regexp.MustCompile(`^ble-device-(\d+)$`)

var (
	// ErrEmptySenderToken indicates a blank transport-level sender token.
	ErrEmptySenderToken = errors.New("identity: empty sender token")
	// ErrMalformedPlaceholder indicates a relay placeholder whose embedded
	// checksum does not fit in 32 bits.
	ErrMalformedPlaceholder = errors.New("identity: malformed relay placeholder")

	errMissingDatabase = errors.New("identity: database handle is required")
)

// ResolverConfig carries the dependencies for a checksum-backed resolver.
type ResolverConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Resolver maps sender tokens to canonical device identities, maintaining the
// durable crc mapping table as full device ids are sighted.
type Resolver struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewResolver validates the configuration and returns a Resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Resolve maps a sender token to the best known canonical identity.
//
// A relay placeholder is resolved through the mapping table; an unknown
// checksum leaves the placeholder itself as the canonical id until a direct
// sighting claims it. A full device id is returned as-is after upserting its
// mapping, so relayed reports from the same device can be re-unified later.
func (r *Resolver) Resolve(ctx context.Context, senderToken string) (Identity, error) {
	token := strings.TrimSpace(senderToken)
	if token == "" {
		return Identity{}, ErrEmptySenderToken
	}

	if match := relayPlaceholderPattern.FindStringSubmatch(token); match != nil {
		value, err := strconv.ParseUint(match[1], 10, 32)
		if err != nil {
			return Identity{}, fmt.Errorf("%w: %q", ErrMalformedPlaceholder, token)
		}
		crc := uint32(value)

		var mapping CrcMapping
		err = r.db.WithContext(ctx).Where("crc = ?", crc).Take(&mapping).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			r.logger.Debug("relay placeholder unresolved", zap.String("token", token), zap.Uint32("crc", crc))
			return Identity{CanonicalID: token, CRC: &crc}, nil
		}
		if err != nil {
			return Identity{}, fmt.Errorf("identity: mapping lookup: %w", err)
		}
		return Identity{CanonicalID: mapping.SenderDeviceID, CRC: &crc}, nil
	}

	crc := crc32.ChecksumIEEE([]byte(token))
	nowUs := r.clock().UTC().UnixMicro()

	// Most recent direct sighting owns the mapping; first_seen_at_us is set
	// only at creation. The unique index on crc makes concurrent duplicate
	// uploads converge on a single row.
	mapping := CrcMapping{
		CRC:            crc,
		SenderDeviceID: token,
		FirstSeenAtUs:  nowUs,
		UpdatedAtUs:    nowUs,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "crc"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"sender_device_id": token,
			"updated_at_us":    nowUs,
		}),
	}).Create(&mapping).Error
	if err != nil {
		return Identity{}, fmt.Errorf("identity: mapping upsert: %w", err)
	}

	return Identity{CanonicalID: token, CRC: &crc}, nil
}

// Checksum exposes the derivation used for full device identifiers.
func Checksum(deviceID string) uint32 {
	return crc32.ChecksumIEEE([]byte(deviceID))
}

// PlaceholderFor builds the relay placeholder token for a checksum.
func PlaceholderFor(crc uint32) string {
	return relayPlaceholderPrefix + strconv.FormatUint(uint64(crc), 10)
}
