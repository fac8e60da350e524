package domain

import (
	"context"
	"fmt"
	"time"
)

// AuditEntry is one append-only audit record. Graph saves never touch the
// audit table.
type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action_type"`
	EntityUID string    `json:"entity_uid"`
	Details   string    `json:"details"`
}

// Remediation describes the action proposed or applied for a finding.
type Remediation struct {
	Action   string `json:"action"`
	Field    string `json:"field"`
	NewValue string `json:"new_value"`
}

// Finding is one persisted scan result. Findings are append-only and live
// independently of the record graph.
type Finding struct {
	Timestamp   time.Time    `json:"timestamp"`
	EntityUID   string       `json:"entity_uid"`
	EntityType  string       `json:"entity_type"`
	Field       string       `json:"field"`
	Value       string       `json:"value"`
	Reason      string       `json:"reason"`
	PatientID   string       `json:"patient_id"`
	Remediation *Remediation `json:"remediation,omitempty"`
}

// InstanceFilter narrows FlattenedInstances output. Empty slices match
// everything.
type InstanceFilter struct {
	PatientIDs   []string
	InstanceUIDs []string
}

// FlatInstance is one denormalized instance row, joined across all four
// graph tables for streaming exports.
type FlatInstance struct {
	PatientID         string
	PatientName       string
	StudyInstanceUID  string
	StudyDate         string
	SeriesInstanceUID string
	Modality          string
	SOPInstanceUID    string
	SOPClassUID       string
	InstanceNumber    int
	FilePath          string
	BlobRef           *BlobRef
	AttributesJSON    []byte
}

// MetadataStore is the durable backend for the record graph and the
// append-only audit and finding tables.
type MetadataStore interface {
	// SaveAll replaces the whole graph table contents with the given
	// patients in one transaction. Dirty pixel buffers are written to the
	// sidecar log first; blob writes that land before a failed metadata
	// commit are tolerated as orphans and reclaimed by compaction.
	SaveAll(ctx context.Context, patients []*Patient) error
	// UpdateAttributes rewrites only the attribute documents of the named
	// instances, with no table truncation and no blob writes.
	UpdateAttributes(ctx context.Context, instances []*Instance) error
	// LoadAll reconstructs every patient graph, installing lazy sidecar
	// references instead of reading frame bytes.
	LoadAll(ctx context.Context) ([]*Patient, error)
	// LoadPatient reconstructs one patient graph. Returns ErrNotFound when
	// the patient does not exist.
	LoadPatient(ctx context.Context, patientID string) (*Patient, error)

	LogAuditBatch(ctx context.Context, entries []AuditEntry) error
	LoadAudit(ctx context.Context, entityUID string) ([]AuditEntry, error)
	SaveFindings(ctx context.Context, findings []Finding) error
	LoadFindings(ctx context.Context) ([]Finding, error)

	CountInstances(ctx context.Context) (int, error)
	FlattenedInstances(ctx context.Context, filter InstanceFilter) ([]FlatInstance, error)

	Close() error
}

// ErrNotFound is returned when a requested entity does not exist in the
// metadata store.
type ErrNotFound struct {
	Entity string
	UID    string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.UID)
}
