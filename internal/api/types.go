package api

import (
	"github.com/tidewater-ai/bastion/internal/audit"
	"github.com/tidewater-ai/bastion/internal/checkpoint"
	"github.com/tidewater-ai/bastion/internal/degrade"
	"github.com/tidewater-ai/bastion/internal/integrity"
	"github.com/tidewater-ai/bastion/internal/restart"
)

// LivenessResponse is the /healthz payload.
type LivenessResponse struct {
	Status string `json:"status"`
	Mode   string `json:"mode"`
}

// CapabilityInfo reports one capability's availability.
type CapabilityInfo struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// CapabilitiesResponse is the /v1/capabilities payload.
type CapabilitiesResponse struct {
	Mode          string           `json:"mode"`
	Capabilities  []CapabilityInfo `json:"capabilities"`
	State         degrade.State    `json:"state"`
	OfflineReason string           `json:"offline_reason,omitempty"`
}

// RestartsResponse is the /v1/restarts payload.
type RestartsResponse struct {
	Status  restart.Status   `json:"status"`
	History []restart.Record `json:"history"`
}

// RestartRequestResponse answers a POST /v1/restarts.
type RestartRequestResponse struct {
	Allowed     bool   `json:"allowed"`
	RecentCount int    `json:"recent_count"`
	Ceiling     int    `json:"ceiling"`
	Message     string `json:"message,omitempty"`
}

// BackupsResponse is the /v1/backups payload.
type BackupsResponse struct {
	Backups []integrity.BackupRecord `json:"backups"`
	Checks  []integrity.CheckRecord  `json:"checks"`
}

// CheckpointsResponse is the /v1/checkpoints payload.
type CheckpointsResponse struct {
	Checkpoints []checkpoint.Checkpoint `json:"checkpoints"`
	Count       int                     `json:"count"`
}

// AuditResponse is the /v1/audit payload.
type AuditResponse struct {
	Events []audit.Event `json:"events"`
	Total  int           `json:"total"`
}

// ErrorResponse is the error payload for every endpoint.
type ErrorResponse struct {
	Error string `json:"error"`
}
