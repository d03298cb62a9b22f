package validator

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// offer is the textual object the default Validator exchanges as the
// initial handshake body.
type offer struct {
	Version   int    `json:"version"`
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce"`
	Payload   string `json:"payload,omitempty"`
}

// ack is the textual object exchanged as the acknowledgement body.
type ack struct {
	Received bool   `json:"received"`
	Nonce    string `json:"nonce"`
}

const defaultVersion = 1

// DefaultValidator is the stock Validator: it stamps a version and a nonce
// on the initial offer, accepts any well-formed offer at that version with a
// non-empty nonce, and accepts any well-formed acknowledgement with received
// set and a non-empty nonce.
type DefaultValidator struct{}

// Handshake produces {version:1, timestamp, nonce, payload?}. payload is an
// optional caller-supplied opaque string folded in verbatim.
func (DefaultValidator) Handshake(body []byte) ([]byte, error) {
	o := offer{
		Version:   defaultVersion,
		Timestamp: time.Now().UnixMilli(),
		Nonce:     uuid.New().String(),
	}
	if len(body) > 0 {
		o.Payload = string(body)
	}
	return json.Marshal(o)
}

// VerifyHandshake accepts any well-formed offer at version 1 with a
// non-empty nonce.
func (DefaultValidator) VerifyHandshake(body []byte) Result {
	var o offer
	if err := json.Unmarshal(body, &o); err != nil {
		return Failed
	}
	if o.Version != defaultVersion || o.Nonce == "" {
		return Failed
	}
	return Success
}

// Acknowledgement echoes the nonce found in the verified offer.
func (DefaultValidator) Acknowledgement(body []byte) ([]byte, error) {
	var o offer
	if err := json.Unmarshal(body, &o); err != nil {
		return nil, err
	}
	return json.Marshal(ack{Received: true, Nonce: o.Nonce})
}

// VerifyAcknowledgement accepts any well-formed ack with Received set and a
// non-empty nonce.
func (DefaultValidator) VerifyAcknowledgement(body []byte) Result {
	var a ack
	if err := json.Unmarshal(body, &a); err != nil {
		return Failed
	}
	if !a.Received || a.Nonce == "" {
		return Failed
	}
	return Success
}
