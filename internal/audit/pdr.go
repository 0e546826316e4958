// Package audit records Process Decision Records for every state-changing
// request the control plane serves.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/fentz26/swarm/internal/models"
	"github.com/hashicorp/go-hclog"
)

// Outcomes written to the trail.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Sink persists records.
type Sink interface {
	WritePDR(action, inputsHash, outcome, taskID, details string) (*models.PDREntry, error)
}

// PDRWriter writes Process Decision Records for audit trails.
type PDRWriter struct {
	sink   Sink
	logger hclog.Logger
}

// NewPDRWriter creates a new PDR writer. A nil sink makes Record a no-op.
func NewPDRWriter(sink Sink, logger hclog.Logger) *PDRWriter {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &PDRWriter{sink: sink, logger: logger.Named("audit")}
}

// Record writes a PDR entry for a state-mutating action.
func (w *PDRWriter) Record(action string, inputs interface{}, outcome, taskID, details string) (*models.PDREntry, error) {
	if w == nil || w.sink == nil {
		return nil, nil
	}
	entry, err := w.sink.WritePDR(action, hashInputs(inputs), outcome, taskID, details)
	if err != nil {
		w.logger.Warn("failed to write audit record", "action", action, "error", err)
		return nil, err
	}
	return entry, nil
}

// RecordResult records success or failure depending on err.
func (w *PDRWriter) RecordResult(action string, inputs interface{}, taskID string, err error) {
	outcome, details := OutcomeSuccess, ""
	if err != nil {
		outcome, details = OutcomeFailure, err.Error()
	}
	w.Record(action, inputs, outcome, taskID, details)
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
