package reqqueue

import (
	"testing"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestEnvelopeSkipsUnknownFields(t *testing.T) {
	env := envelope{
		ID:         "id-1",
		SubjectID:  "u1",
		EnqueuedAt: time.Unix(0, 1700000000123456789).UTC(),
		CID:        "cid",
		Body:       []byte(`{}`),
	}
	b := env.marshal()
	b = protowire.AppendTag(b, 42, protowire.BytesType)
	b = protowire.AppendString(b, "future")
	b = protowire.AppendTag(b, 43, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, 7)

	got, err := unmarshalEnvelope(b)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != env.ID || got.SubjectID != env.SubjectID || got.CID != env.CID {
		t.Fatalf("unexpected envelope %+v", got)
	}
	if !got.EnqueuedAt.Equal(env.EnqueuedAt) {
		t.Fatalf("enqueued at: got %v want %v", got.EnqueuedAt, env.EnqueuedAt)
	}
	if string(got.Body) != "{}" || len(got.Descriptor) != 0 {
		t.Fatalf("unexpected body/descriptor %q/%q", got.Body, got.Descriptor)
	}
}

func TestEnvelopeRejectsWrongVersion(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, 9)
	b = protowire.AppendTag(b, fieldBody, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("{}"))
	if _, err := unmarshalEnvelope(b); err == nil {
		t.Fatal("expected version error")
	}
}

func TestEnvelopeRequiresBody(t *testing.T) {
	b := envelope{ID: "x", SubjectID: "u1"}.marshal()
	// Drop the trailing empty body field (tag + zero length).
	b = b[:len(b)-2]
	if _, err := unmarshalEnvelope(b); err != errNoBody {
		t.Fatalf("expected errNoBody, got %v", err)
	}
}

func TestEnvelopeTruncated(t *testing.T) {
	b := envelope{ID: "x", SubjectID: "u1", Body: []byte("0123456789")}.marshal()
	if _, err := unmarshalEnvelope(b[:len(b)-3]); err == nil {
		t.Fatal("expected parse error")
	}
}
