package payload

import "encoding/json"

// JSONSerializer is the default Serializer. encoding/json marshals the
// envelope's []byte Data field as a base64 string automatically, matching
// the wire format required of the default serializer.
type JSONSerializer struct{}

func (JSONSerializer) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONSerializer) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (JSONSerializer) Type() SerializerType {
	return SerializerTypeJSON
}
