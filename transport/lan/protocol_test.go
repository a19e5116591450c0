package lan

import (
	"bytes"
	"errors"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"hello","endpoint_id":"a","timestamp":1}`)

	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	got, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	payload := make([]byte, MaxFrameSize+1)
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestDecodeMessageTypeRequiresType(t *testing.T) {
	if _, err := DecodeMessageType([]byte(`{"code":"x"}`)); !errors.Is(err, ErrInvalidMessageType) {
		t.Fatalf("expected ErrInvalidMessageType, got %v", err)
	}
	msgType, err := DecodeMessageType([]byte(`{"type":"hello_ack"}`))
	if err != nil || msgType != TypeHelloAck {
		t.Fatalf("expected hello_ack, got %q (%v)", msgType, err)
	}
}

func TestSealedMessageBindsSender(t *testing.T) {
	key := bytes.Repeat([]byte{3}, 32)

	frame, err := sealMessage(key, "alice", SealedMessage{Type: TypeDecision, Sequence: 4, Accepted: true})
	if err != nil {
		t.Fatalf("sealMessage failed: %v", err)
	}

	msg, err := openMessage(key, "alice", frame)
	if err != nil {
		t.Fatalf("openMessage failed: %v", err)
	}
	if msg.Type != TypeDecision || msg.Sequence != 4 || !msg.Accepted {
		t.Fatalf("unexpected message %+v", msg)
	}

	if _, err := openMessage(key, "bob", frame); err == nil {
		t.Fatalf("expected frame reflected to another sender to fail")
	}
}

func TestRemoteErrorDecoding(t *testing.T) {
	err := decodeRemoteError([]byte(`{"type":"error","code":"duplicate_link","message":"link already exists"}`))
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Code != CodeDuplicateLink {
		t.Fatalf("expected RemoteError with duplicate_link, got %v", err)
	}
}
