package protocol

import (
	"encoding/json"
	"errors"

	"github.com/dkeye/sketchsync/internal/domain"
)

// Encode marshals a message. The messages in this package only hold
// marshalable fields, so errors indicate a broken payload.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func OperationFrame(op domain.Operation) ([]byte, error) {
	return Encode(OperationEvent{
		Type:     TypeOperation,
		Seq:      op.Seq,
		AuthorID: op.AuthorID,
		Payload:  op.Payload,
		ClientTS: op.ClientTS,
		ServerTS: op.ServerTS.UnixMilli(),
	})
}

func AckFrame(seq uint64, ref string) ([]byte, error) {
	return Encode(Ack{Type: TypeAck, Seq: seq, Ref: ref})
}

func PresenceFrame(kind domain.MembershipEventType, m domain.Member) ([]byte, error) {
	return Encode(PresenceEvent{Type: TypePresence, Kind: kind, User: m.User, ConnID: m.ConnID})
}

// ErrorFrame renders err with its stable code. The message is the taxonomy
// message, never the wrapped cause, so storage internals do not leak.
func ErrorFrame(err error, ref string) ([]byte, error) {
	msg := ""
	var de *domain.Error
	if errors.As(err, &de) {
		msg = de.Message
	}
	return Encode(Error{Type: TypeError, Code: domain.CodeOf(err), Message: msg, Ref: ref})
}
