// Package payload implements the envelope carried inside every Data block:
// a thin adapter over a pluggable Serializer, following the same
// strategy-pattern split the teacher used for its RPCMessage/Codec pair.
package payload

// Kind identifies what an Envelope represents.
type Kind int

const (
	Request Kind = iota
	Command
	Response
)

func (k Kind) String() string {
	switch k {
	case Request:
		return "Request"
	case Command:
		return "Command"
	case Response:
		return "Response"
	default:
		return "Unknown"
	}
}

func validKind(k Kind) bool {
	switch k {
	case Request, Command, Response:
		return true
	default:
		return false
	}
}

// Envelope is the structured contents of a Data block's body.
type Envelope struct {
	Kind  Kind
	Name  string
	ID    uint64
	Data  []byte
	Error string
}

// Check validates that e.Kind names a defined variant, and that Request and
// Command envelopes carry a non-empty Name.
func Check(e Envelope) bool {
	if !validKind(e.Kind) {
		return false
	}
	if (e.Kind == Request || e.Kind == Command) && e.Name == "" {
		return false
	}
	return true
}

// Create builds an Envelope in memory without touching a Serializer. Used by
// the Commander to synthesize a timeout Response locally.
func Create(kind Kind, name string, id uint64, data []byte, errStr string) Envelope {
	return Envelope{Kind: kind, Name: name, ID: id, Data: data, Error: errStr}
}

// Serializer is the pluggable wire format for Envelope contents. Both peers
// of a connection must install the same Serializer.
type Serializer interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() SerializerType
}

// SerializerType identifies a Serializer implementation, for logging only —
// unlike the block/protocol layer it is never placed on the wire.
type SerializerType byte

const (
	SerializerTypeJSON   SerializerType = 0
	SerializerTypeBinary SerializerType = 1
)

// wireEnvelope is the on-the-wire shape used by Serializer implementations;
// Data is carried as opaque bytes (base64 under the default JSON serializer,
// a raw length-prefixed blob under the binary one).
type wireEnvelope struct {
	Kind  int    `json:"kind"`
	Name  string `json:"name"`
	ID    uint64 `json:"id"`
	Data  []byte `json:"data"`
	Error string `json:"error"`
}

// Encode fills default empty values for omitted data/error and hands the
// envelope to the serializer; it never inspects the serialized bytes.
func Encode(s Serializer, kind Kind, name string, id uint64, data []byte, errStr string) ([]byte, error) {
	if data == nil {
		data = []byte{}
	}
	w := wireEnvelope{Kind: int(kind), Name: name, ID: id, Data: data, Error: errStr}
	return s.Encode(&w)
}

// Decode is the inverse of Encode.
func Decode(s Serializer, raw []byte) (Envelope, error) {
	var w wireEnvelope
	if err := s.Decode(raw, &w); err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: Kind(w.Kind), Name: w.Name, ID: w.ID, Data: w.Data, Error: w.Error}, nil
}
