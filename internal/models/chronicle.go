package models

// Operation tags a chronicle record.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// ChronicleRecord is one committed local mutation. Records are never
// updated and only removed by retention trimming.
type ChronicleRecord struct {
	ID           int64  `json:"id"`
	AccountID    string `json:"account_id"`
	CollectionID string `json:"collection_id"`
	EntityID     string `json:"entity_id"`
	EntityUUID   string `json:"entity_uuid"`

	Operation Operation `json:"operation"`

	// Stamp is a strictly increasing timestamp in unix microseconds.
	Stamp int64 `json:"stamp"`
}
