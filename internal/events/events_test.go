package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"channel-pipeline/internal/bus"
	"channel-pipeline/internal/models"
)

func TestEmitAndDecode(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemoryBus(4, 10*time.Millisecond)

	in := ItemsListed{
		JobID:       "job_1_abc",
		ChannelName: "Acme",
		Email:       "a@b.co",
		Items:       []models.Item{{ItemID: "v1", Title: "first", URL: "https://www.youtube.com/watch?v=v1"}},
	}
	if err := Emit(ctx, b, ListingSucceededTopic, in); err != nil {
		t.Fatalf("emit: %v", err)
	}

	msgs, err := b.Read(ctx, "listing-succeeded", 1)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("read: %d err=%v", len(msgs), err)
	}
	out, err := Decode(ListingSucceededTopic, msgs[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.JobID != in.JobID || len(out.Items) != 1 || out.Items[0].ItemID != "v1" {
		t.Fatalf("unexpected payload: %+v", out)
	}
}

func TestResolutionFailedHasNoErrorField(t *testing.T) {
	raw, err := json.Marshal(ResolutionFailed{JobID: "job_1_abc", Email: "a@b.co"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var fields map[string]any
	_ = json.Unmarshal(raw, &fields)
	if len(fields) != 2 || fields["jobID"] != "job_1_abc" || fields["email"] != "a@b.co" {
		t.Fatalf("expected exactly jobID and email, got %v", fields)
	}
}

func TestDecodeRejectsForeignTopic(t *testing.T) {
	msg := bus.Message{Topic: "listing-error", Payload: []byte(`{"jobID":"j","email":"e"}`)}
	if _, err := Decode(SubmissionAcceptedTopic, msg); err == nil {
		t.Fatalf("expected error decoding a listing-error message as submission-accepted")
	}
}

func TestIdentify(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		ok   bool
	}{
		{"complete", `{"jobID":"job_1_abc","email":"a@b.co","channel":"@acme"}`, true},
		{"other fields malformed", `{"jobID":"job_1_abc","email":"a@b.co","channel":42}`, true},
		{"not json", `{{`, false},
		{"missing job id", `{"email":"a@b.co"}`, false},
		{"missing email", `{"jobID":"job_1_abc"}`, false},
		{"wrong type", `{"jobID":7,"email":"a@b.co"}`, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			id, err := Identify([]byte(tc.raw))
			if tc.ok {
				if err != nil || id.JobID != "job_1_abc" {
					t.Fatalf("expected identity, got %+v err=%v", id, err)
				}
				return
			}
			if !errors.Is(err, ErrNoIdentity) {
				t.Fatalf("expected ErrNoIdentity, got %v", err)
			}
		})
	}
}
