package domain

import "time"

// Alert is a notification derived from a discrepancy record that crossed
// the significance threshold. Severity never decreases while the
// underlying discrepancy stays unresolved; the read flag is flipped only
// by explicit acknowledgement.
type Alert struct {
	ID            string    `json:"id"`
	Tenant        string    `json:"tenant"`
	DiscrepancyID string    `json:"discrepancy_id"`
	Severity      Severity  `json:"severity"`
	Title         string    `json:"title"`
	Message       string    `json:"message"`
	Read          bool      `json:"read"`
	CreatedAt     time.Time `json:"created_at"`
}
