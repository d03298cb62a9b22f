package validator

import "testing"

func TestDefaultValidatorHappyPath(t *testing.T) {
	v := DefaultValidator{}

	offerBody, err := v.Handshake([]byte("hello"))
	if err != nil {
		t.Fatalf("Handshake failed: %v", err)
	}
	if v.VerifyHandshake(offerBody) != Success {
		t.Fatal("expected VerifyHandshake to succeed on its own offer")
	}

	ackBody, err := v.Acknowledgement(offerBody)
	if err != nil {
		t.Fatalf("Acknowledgement failed: %v", err)
	}
	if v.VerifyAcknowledgement(ackBody) != Success {
		t.Fatal("expected VerifyAcknowledgement to succeed on its own ack")
	}
}

func TestVerifyHandshakeRejectsGarbage(t *testing.T) {
	v := DefaultValidator{}
	if v.VerifyHandshake([]byte("not json")) != Failed {
		t.Fatal("expected Failed for malformed offer")
	}
	if v.VerifyHandshake([]byte(`{"version":2,"nonce":"n"}`)) != Failed {
		t.Fatal("expected Failed for wrong version")
	}
}

func TestVerifyAcknowledgementRejectsGarbage(t *testing.T) {
	v := DefaultValidator{}
	if v.VerifyAcknowledgement([]byte("not json")) != Failed {
		t.Fatal("expected Failed for malformed ack")
	}
	if v.VerifyAcknowledgement([]byte(`{"received":false,"nonce":"n"}`)) != Failed {
		t.Fatal("expected Failed when received is false")
	}
}
