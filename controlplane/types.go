package controlplane

import (
	"time"

	"github.com/ferryhq/ferry/connect"
	"github.com/ferryhq/ferry/replication"
)

// Run statuses. Transitions are write-once: RUNNING then SUCCESS or FAILURE.
const (
	StatusRunning = "RUNNING"
	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"
)

// Recipient is the tenant a destination delivers to.
type Recipient struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id,omitempty"`
	TenantID       string `json:"tenant_id"`
	Name           string `json:"name,omitempty"`
}

// Source is a configured upstream warehouse.
type Source struct {
	ID             string         `json:"id"`
	Name           string         `json:"name,omitempty"`
	VendorType     connect.Vendor `json:"vendor_type"`
	ConnectionInfo connect.Info   `json:"connection_info"`
}

// Model maps one source table onto transfer semantics: key, cursor, and the
// tenant column rows are filtered by and stripped of.
type Model struct {
	ID                   string `json:"id"`
	SourceID             string `json:"source_id"`
	SchemaName           string `json:"schema_name"`
	TableName            string `json:"table_name"`
	PrimaryKeyColumn     string `json:"primary_key_column"`
	LastModifiedAtColumn string `json:"last_modified_at_column"`
	TenantIDColumn       string `json:"tenant_id_column"`
}

// Destination is a configured downstream target plus its schedule and the
// models it receives.
type Destination struct {
	ID             string               `json:"id"`
	RecipientID    string               `json:"recipient_id"`
	VendorType     connect.Vendor       `json:"vendor_type"`
	ConnectionInfo connect.Info         `json:"connection_info"`
	Schedule       replication.Schedule `json:"schedule"`
	Models         []string             `json:"models"`
}

// TransferRun is one execution of a transfer.
type TransferRun struct {
	ID         string         `json:"id"`
	TransferID string         `json:"transfer_id"`
	Status     string         `json:"status"`
	CreatedAt  *time.Time     `json:"created_at,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
}
