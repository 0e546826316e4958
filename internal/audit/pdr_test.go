package audit

import (
	"errors"
	"testing"

	"github.com/fentz26/swarm/internal/models"
)

type memorySink struct {
	entries []models.PDREntry
	err     error
}

func (m *memorySink) WritePDR(action, inputsHash, outcome, taskID, details string) (*models.PDREntry, error) {
	if m.err != nil {
		return nil, m.err
	}
	e := models.PDREntry{ID: "pdr-1", Action: action, InputsHash: inputsHash, Outcome: outcome, TaskID: taskID, Details: details}
	m.entries = append(m.entries, e)
	return &e, nil
}

func TestRecord(t *testing.T) {
	sink := &memorySink{}
	w := NewPDRWriter(sink, nil)

	entry, err := w.Record("task.launch", map[string]string{"agent": "explore"}, OutcomeSuccess, "task-1", "")
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if entry.InputsHash != hashInputs(map[string]string{"agent": "explore"}) {
		t.Error("Expected inputs hash to be deterministic")
	}
	if len(entry.InputsHash) != 64 {
		t.Errorf("Expected hex sha256, got %q", entry.InputsHash)
	}
}

func TestRecordResult(t *testing.T) {
	sink := &memorySink{}
	w := NewPDRWriter(sink, nil)

	w.RecordResult("task.cancel", "task-1", "task-1", nil)
	w.RecordResult("task.cancel", "task-2", "task-2", errors.New("task not found"))

	if len(sink.entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(sink.entries))
	}
	if sink.entries[0].Outcome != OutcomeSuccess {
		t.Errorf("Expected success, got %s", sink.entries[0].Outcome)
	}
	if sink.entries[1].Outcome != OutcomeFailure || sink.entries[1].Details != "task not found" {
		t.Errorf("Unexpected failure entry %+v", sink.entries[1])
	}
}

func TestRecord_SinkError(t *testing.T) {
	w := NewPDRWriter(&memorySink{err: errors.New("disk full")}, nil)
	if _, err := w.Record("x", nil, OutcomeSuccess, "", ""); err == nil {
		t.Error("Expected sink error to surface")
	}
}

func TestRecord_NilSink(t *testing.T) {
	w := NewPDRWriter(nil, nil)
	if entry, err := w.Record("x", nil, OutcomeSuccess, "", ""); entry != nil || err != nil {
		t.Error("Expected no-op without a sink")
	}
	var nilWriter *PDRWriter
	nilWriter.RecordResult("x", nil, "", nil)
}

func TestHashInputs_Unmarshalable(t *testing.T) {
	if got := hashInputs(make(chan int)); got != "hash_error" {
		t.Errorf("Expected hash_error, got %s", got)
	}
}
