package sos

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status enumerates the lifecycle states a beacon can report.
type Status string

const (
	// StatusActive marks an open emergency.
	StatusActive Status = "ACTIVE"
	// StatusCancelled marks an emergency withdrawn by the sender.
	StatusCancelled Status = "CANCELLED"
	// StatusResolved marks an emergency closed by a responder.
	StatusResolved Status = "RESOLVED"
)

// OccurredAtLayout is the wire format for client-asserted event times:
// ISO-8601 UTC with exactly microsecond precision.
const OccurredAtLayout = "2006-01-02T15:04:05.000000Z"

var (
	// ErrInvalidLocalMessageID indicates a client message id that is not a UUID.
	ErrInvalidLocalMessageID = errors.New("sos: invalid local message id")
	// ErrInvalidStatus indicates a status value outside the enumeration.
	ErrInvalidStatus = errors.New("sos: invalid status")
	// ErrInvalidOccurredAt indicates an event timestamp that does not match
	// the microsecond ISO-8601 layout.
	ErrInvalidOccurredAt = errors.New("sos: invalid occurred_at timestamp")
)

// ParseLocalMessageID validates a client-generated message id and returns it
// in canonical UUID form, so ack correlation is insensitive to casing.
func ParseLocalMessageID(rawInput string) (string, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(rawInput))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidLocalMessageID, rawInput)
	}
	return parsed.String(), nil
}

// ParseStatus validates raw input and returns a Status.
func ParseStatus(rawInput string) (Status, error) {
	switch Status(strings.ToUpper(strings.TrimSpace(rawInput))) {
	case StatusActive:
		return StatusActive, nil
	case StatusCancelled:
		return StatusCancelled, nil
	case StatusResolved:
		return StatusResolved, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, rawInput)
	}
}

// ParseOccurredAt parses a client event timestamp into unix microseconds.
func ParseOccurredAt(rawInput string) (int64, error) {
	parsed, err := time.Parse(OccurredAtLayout, rawInput)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidOccurredAt, rawInput)
	}
	return parsed.UnixMicro(), nil
}

// FormatOccurredAt renders unix microseconds back into the wire layout.
func FormatOccurredAt(unixMicro int64) string {
	return time.UnixMicro(unixMicro).UTC().Format(OccurredAtLayout)
}

// SOSRecord is the single current state held per canonical sender device.
// It is created on the first accepted report and mutated in place by every
// later accepted report; this core never deletes it.
type SOSRecord struct {
	ID             int64   `gorm:"column:id;primaryKey;autoIncrement"`
	LocalMessageID string  `gorm:"column:local_message_id;size:36;uniqueIndex;not null"`
	SenderDeviceID string  `gorm:"column:sender_device_id;size:190;uniqueIndex;not null"`
	SenderCRC      *uint32 `gorm:"column:sender_crc;index"`
	SenderName     *string `gorm:"column:sender_name;size:190"`
	Content        string  `gorm:"column:content;type:text;not null"`
	Latitude       float64 `gorm:"column:latitude;not null"`
	Longitude      float64 `gorm:"column:longitude;not null"`
	Status         Status  `gorm:"column:status;size:16;not null;default:ACTIVE"`
	// Client-asserted event time in unix microseconds; the authoritative
	// ordering key for conflict resolution.
	OccurredAtUs int64 `gorm:"column:occurred_at_us;not null"`
	// Server-assigned times in unix microseconds. UpdatedAtUs drives the
	// incremental sync cursor and never participates in conflict resolution.
	CreatedAtUs int64 `gorm:"column:created_at_us;not null"`
	UpdatedAtUs int64 `gorm:"column:updated_at_us;not null;index"`
	// FromServer marks values written via the sync-upload path, where the
	// server redistributes relayed state, as opposed to direct device posts.
	FromServer bool `gorm:"column:from_server;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (SOSRecord) TableName() string {
	return "sos_records"
}

// Report is one incoming beacon report from the sync upload path. The sender
// token is the raw transport-level identifier, resolved to a canonical
// identity before reconciliation.
type Report struct {
	LocalMessageID string
	SenderToken    string
	SenderName     *string
	Content        string
	Latitude       float64
	Longitude      float64
	Status         Status
	OccurredAtUs   int64
}

// DirectReport is a single-device post that bypasses relay identity
// resolution entirely; the device id is taken at face value.
type DirectReport struct {
	LocalMessageID string
	DeviceID       string
	Content        string
	Latitude       float64
	Longitude      float64
	BatteryLevel   *float64
	Status         Status
	OccurredAtUs   int64
}

// AckEntry tells a client what the server currently holds for one of its
// processed message ids, including the resolved canonical identity so relay
// senders can correct their local cache.
type AckEntry struct {
	LocalMessageID string
	SenderDeviceID string
	SenderCRC      *uint32
	FromServer     bool
	OccurredAtUs   int64
}
