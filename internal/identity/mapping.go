package identity

// CrcMapping records which full device identifier last claimed a checksum.
// The crc namespace is 32 bits wide, so distinct devices can collide; the
// most recent direct sighting owns the mapping.
type CrcMapping struct {
	ID             int64  `gorm:"column:id;primaryKey;autoIncrement"`
	CRC            uint32 `gorm:"column:crc;uniqueIndex;not null"`
	SenderDeviceID string `gorm:"column:sender_device_id;size:190;not null"`
	FirstSeenAtUs  int64  `gorm:"column:first_seen_at_us;not null"`
	UpdatedAtUs    int64  `gorm:"column:updated_at_us;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CrcMapping) TableName() string {
	return "sender_crc_mappings"
}

// Identity is the result of resolving a transport-level sender token.
// CanonicalID is the best identity known for the sender; CRC is the checksum
// associated with it, nil only for tokens that carry no derivable checksum.
type Identity struct {
	CanonicalID string
	CRC         *uint32
}
