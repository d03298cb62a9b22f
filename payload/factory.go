package payload

// GetSerializer is a factory returning the Serializer for a given type. Both
// peers of a connection must agree on the type out of band (it is not
// negotiated on the wire).
func GetSerializer(t SerializerType) Serializer {
	if t == SerializerTypeBinary {
		return BinarySerializer{}
	}
	return JSONSerializer{}
}
