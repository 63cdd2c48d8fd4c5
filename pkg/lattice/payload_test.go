package lattice

import (
	"bytes"
	"testing"
)

func Test_EncodeText_Then_DecodePayload_Roundtrips(t *testing.T) {
	t.Parallel()

	raw, err := encodeText("hello")
	if err != nil {
		t.Fatalf("encodeText: %v", err)
	}

	got := decodePayload(raw, false)
	if got.binary {
		t.Errorf("binary = true, want false")
	}
	if !bytes.Equal(got.data, []byte("hello")) {
		t.Errorf("data = %q, want %q", got.data, "hello")
	}
}

func Test_EncodeBinary_Then_DecodePayload_Roundtrips_Bytes_With_Embedded_Zero(t *testing.T) {
	t.Parallel()

	want := []byte{0xFF, 0x00, 0x01, 0xFE, 0x00}

	raw, err := encodeBinary(want)
	if err != nil {
		t.Fatalf("encodeBinary: %v", err)
	}

	got := decodePayload(raw, true)
	if !got.binary {
		t.Errorf("binary = false, want true")
	}
	if !bytes.Equal(got.data, want) {
		t.Errorf("data = %v, want %v", got.data, want)
	}
}

func Test_LooksBinary_Identifies_A_Binary_Framed_Payload(t *testing.T) {
	t.Parallel()

	raw, err := encodeBinary([]byte{0x00, 0xAB})
	if err != nil {
		t.Fatalf("encodeBinary: %v", err)
	}

	if !looksBinary(raw) {
		t.Errorf("looksBinary = false, want true for a 2-byte length-framed payload")
	}
}

func Test_LooksBinary_Rejects_Plain_Text(t *testing.T) {
	t.Parallel()

	raw, err := encodeText("not binary")
	if err != nil {
		t.Fatalf("encodeText: %v", err)
	}

	if looksBinary(raw) {
		t.Errorf("looksBinary = true, want false for NUL-terminated text")
	}
}

func Test_DecodeAsText_Warns_When_Reading_A_Binary_Payload_Through_The_Text_API(t *testing.T) {
	t.Parallel()

	raw, err := encodeBinary([]byte{0x41, 0x42, 0x00, 0x43})
	if err != nil {
		t.Fatalf("encodeBinary: %v", err)
	}

	text, warn := decodeAsText(raw)
	if !warn {
		t.Errorf("warn = false, want true when a binary payload is read through the text API")
	}
	// Truncated at the first zero byte within the raw framed bytes, per spec
	// §4.4.3's "reading binary through the text API truncates at the first
	// zero byte" behavior.
	if len(text) == 0 {
		t.Errorf("text should not be empty")
	}
}

func Test_EncodeText_Rejects_A_Payload_That_Exceeds_MaxDataLen(t *testing.T) {
	t.Parallel()

	_, err := encodeText(string(make([]byte, MaxDataLen)))
	if err == nil {
		t.Fatalf("expected an error for an oversized text payload")
	}
}

func Test_EncodeBinary_Rejects_A_Payload_That_Exceeds_The_Binary_Capacity(t *testing.T) {
	t.Parallel()

	_, err := encodeBinary(make([]byte, maxBinaryPayloadLen+1))
	if err == nil {
		t.Fatalf("expected an error for an oversized binary payload")
	}
}
