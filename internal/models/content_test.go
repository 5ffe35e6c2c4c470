package models

import "testing"

func TestParseContentType(t *testing.T) {
	for _, ct := range ContentTypes {
		got, err := ParseContentType(string(ct))
		if err != nil {
			t.Fatalf("ParseContentType(%q) error = %v", ct, err)
		}
		if got != ct {
			t.Errorf("ParseContentType(%q) = %q", ct, got)
		}
	}

	if _, err := ParseContentType("video"); err == nil {
		t.Error("ParseContentType(video) should fail")
	}
}

func TestProcessingStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to ProcessingStatus
		want     bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusCompleted, false},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusCompleted, StatusProcessing, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusProcessing, true},
		{StatusFailed, StatusCompleted, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestJobStatusTerminal(t *testing.T) {
	if JobPending.Terminal() || JobInProgress.Terminal() {
		t.Error("pending/in_progress must not be terminal")
	}
	if !JobCompleted.Terminal() || !JobFailed.Terminal() || !JobSkipped.Terminal() {
		t.Error("completed/failed/skipped must be terminal")
	}
}
