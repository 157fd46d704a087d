package domain

import "testing"

func TestSubmitJobRequestValidate(t *testing.T) {
	valid := SubmitJobRequest{
		ProjectID: "proj-1",
		Type:      JobTypePointCloud,
		SourceKey: "proj-1/uploads/scan.las",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid request, got error: %v", err)
	}

	if err := (SubmitJobRequest{}).Validate(); err == nil {
		t.Fatal("expected validation error for empty request")
	}

	missingSource := SubmitJobRequest{ProjectID: "proj-1", Type: JobTypeOrtho}
	if err := missingSource.Validate(); err == nil {
		t.Fatal("expected validation error for missing source_key")
	}

	badType := SubmitJobRequest{ProjectID: "proj-1", Type: "mesh_conversion", SourceKey: "k"}
	if err := badType.Validate(); err == nil {
		t.Fatal("expected validation error for unsupported job type")
	}
}

func TestStatusTransitionsHelpers(t *testing.T) {
	for _, status := range []string{JobStatusCompleted, JobStatusFailed, JobStatusCancelled} {
		if !IsTerminal(status) {
			t.Fatalf("expected %s to be terminal", status)
		}
		if Cancellable(status) {
			t.Fatalf("expected %s to reject cancellation", status)
		}
	}
	for _, status := range []string{JobStatusPending, JobStatusProcessing} {
		if IsTerminal(status) {
			t.Fatalf("expected %s to be non-terminal", status)
		}
		if !Cancellable(status) {
			t.Fatalf("expected %s to be cancellable", status)
		}
	}
}
