package reqqueue

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

const envelopeVersion = 1

// Envelope field numbers.
const (
	fieldVersion    protowire.Number = 1
	fieldID         protowire.Number = 2
	fieldSubject    protowire.Number = 3
	fieldEnqueuedAt protowire.Number = 4
	fieldCID        protowire.Number = 5
	fieldDescriptor protowire.Number = 6
	fieldBody       protowire.Number = 7
)

// envelope is the binary frame pushed to the shared store. The subject id is
// kept outside the sealed body so a worker can still release the lock for an
// item whose body cannot be opened.
type envelope struct {
	Version    uint64
	ID         string
	SubjectID  string
	EnqueuedAt time.Time
	CID        string
	Descriptor []byte
	Body       []byte
}

func (e envelope) marshal() []byte {
	b := make([]byte, 0, len(e.Body)+len(e.Descriptor)+len(e.ID)+len(e.SubjectID)+len(e.CID)+32)
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, envelopeVersion)
	b = appendString(b, fieldID, e.ID)
	b = appendString(b, fieldSubject, e.SubjectID)
	if !e.EnqueuedAt.IsZero() {
		b = protowire.AppendTag(b, fieldEnqueuedAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.EnqueuedAt.UnixNano()))
	}
	b = appendString(b, fieldCID, e.CID)
	if len(e.Descriptor) > 0 {
		b = protowire.AppendTag(b, fieldDescriptor, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Descriptor)
	}
	b = protowire.AppendTag(b, fieldBody, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Body)
	return b
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

var errNoBody = errors.New("envelope has no body")

func unmarshalEnvelope(b []byte) (envelope, error) {
	var e envelope
	hasBody := false
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return envelope{}, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case typ == protowire.VarintType && (num == fieldVersion || num == fieldEnqueuedAt):
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return envelope{}, protowire.ParseError(m)
			}
			if num == fieldVersion {
				e.Version = v
			} else {
				e.EnqueuedAt = time.Unix(0, int64(v)).UTC()
			}
			n = m
		case typ == protowire.BytesType && num >= fieldID && num <= fieldBody && num != fieldEnqueuedAt:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return envelope{}, protowire.ParseError(m)
			}
			switch num {
			case fieldID:
				e.ID = string(v)
			case fieldSubject:
				e.SubjectID = string(v)
			case fieldCID:
				e.CID = string(v)
			case fieldDescriptor:
				e.Descriptor = append([]byte(nil), v...)
			case fieldBody:
				e.Body = append([]byte(nil), v...)
				hasBody = true
			}
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return envelope{}, protowire.ParseError(n)
			}
		}
		b = b[n:]
	}
	if e.Version != envelopeVersion {
		return envelope{}, fmt.Errorf("unsupported envelope version %d", e.Version)
	}
	if !hasBody {
		return envelope{}, errNoBody
	}
	return e, nil
}
