package sos

import (
	"time"

	"github.com/meshsar/beacon/backend/internal/identity"
)

// Outcome captures the decision from resolveReport.
type Outcome struct {
	Applied bool
	Record  *SOSRecord
}

// resolveReport applies last-writer-wins on the client-asserted event time.
// An incoming report wins only when strictly newer than the stored record;
// ties and older reports leave the stored state untouched. Server receipt
// time never participates: across the relay path only the originally
// asserted event time is meaningful.
func resolveReport(existing *SOSRecord, id identity.Identity, incoming Report, fromServer bool, now time.Time) Outcome {
	if existing != nil && incoming.OccurredAtUs <= existing.OccurredAtUs {
		copyStored := *existing
		return Outcome{Applied: false, Record: &copyStored}
	}

	nowUs := now.UTC().UnixMicro()

	updated := SOSRecord{
		LocalMessageID: incoming.LocalMessageID,
		SenderDeviceID: id.CanonicalID,
		SenderCRC:      id.CRC,
		SenderName:     incoming.SenderName,
		Content:        incoming.Content,
		Latitude:       incoming.Latitude,
		Longitude:      incoming.Longitude,
		Status:         incoming.Status,
		OccurredAtUs:   incoming.OccurredAtUs,
		CreatedAtUs:    nowUs,
		UpdatedAtUs:    nowUs,
		FromServer:     fromServer,
	}

	if existing != nil {
		updated.ID = existing.ID
		updated.CreatedAtUs = existing.CreatedAtUs
	}

	return Outcome{Applied: true, Record: &updated}
}

// latestReport reduces a same-sender batch to the single report with the
// maximum event time. Older reports in the batch lose without individual
// accounting; reconciling the winner subsumes them.
func latestReport(reports []Report) Report {
	latest := reports[0]
	for _, report := range reports[1:] {
		if report.OccurredAtUs > latest.OccurredAtUs {
			latest = report
		}
	}
	return latest
}
