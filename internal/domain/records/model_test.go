package records

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestCreateRecordRequest_Validate(t *testing.T) {
	valid := func() CreateRecordRequest {
		return CreateRecordRequest{
			PatientID: uuid.New(),
			CreatedBy: uuid.New(),
			Payload:   json.RawMessage(`{"a":1}`),
		}
	}

	r := valid()
	if err := r.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Classification != ClassOther {
		t.Errorf("expected classification to default to OTHER, got %s", r.Classification)
	}

	tests := []struct {
		name   string
		mutate func(*CreateRecordRequest)
	}{
		{"missing patient", func(r *CreateRecordRequest) { r.PatientID = uuid.Nil }},
		{"missing creator", func(r *CreateRecordRequest) { r.CreatedBy = uuid.Nil }},
		{"bad classification", func(r *CreateRecordRequest) { r.Classification = "XRAY" }},
		{"missing payload", func(r *CreateRecordRequest) { r.Payload = nil }},
		{"array metadata", func(r *CreateRecordRequest) { r.Metadata = json.RawMessage(`[1,2]`) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid()
			tt.mutate(&r)
			if err := r.Validate(); !errors.Is(err, ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestAppendVersionRequest_Validate(t *testing.T) {
	r := AppendVersionRequest{RecordID: uuid.New(), ChangedBy: uuid.New(), Payload: json.RawMessage(`{}`)}
	if err := r.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Classification != "" {
		t.Errorf("append must keep an empty classification, got %s", r.Classification)
	}

	r.Classification = "BOGUS"
	if err := r.Validate(); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestAnchorStatus_Terminal(t *testing.T) {
	if AnchorPending.Terminal() {
		t.Error("PENDING is not terminal")
	}
	if !AnchorCommitted.Terminal() || !AnchorFailed.Terminal() {
		t.Error("COMMITTED and FAILED are terminal")
	}
}
