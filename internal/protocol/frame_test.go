package protocol

import (
	"bytes"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	f := Frame{MessageType: 102, Sequence: 1, TimestampMs: 1000, Body: []byte(`{"a":1}`)}
	var buf bytes.Buffer
	if err := Encode(&buf, f, DefaultCompressThreshold); err != nil {
		t.Fatalf("encode: %v", err)
	}
	frames, consumed, err := Decode(buf.Bytes(), DefaultCompressThreshold)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if consumed != buf.Len() {
		t.Fatalf("consumed = %d, want %d", consumed, buf.Len())
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	got := frames[0]
	if got.MessageType != f.MessageType || got.Sequence != f.Sequence || got.TimestampMs != f.TimestampMs {
		t.Fatalf("got %+v, want %+v", got, f)
	}
	if !bytes.Equal(got.Body, f.Body) {
		t.Fatalf("body mismatch: got %q want %q", got.Body, f.Body)
	}
}

func TestRoundTripCompressed(t *testing.T) {
	body := bytes.Repeat([]byte("hello world, highly compressible "), 100)
	f := Frame{MessageType: 1, Sequence: 5, TimestampMs: 42, Body: body}
	var buf bytes.Buffer
	if err := Encode(&buf, f, 16); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if buf.Len() >= len(body) {
		t.Fatalf("expected compression to shrink frame, got %d bytes for %d-byte body", buf.Len(), len(body))
	}
	frames, consumed, err := Decode(buf.Bytes(), 16)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if consumed != buf.Len() {
		t.Fatalf("consumed = %d, want %d", consumed, buf.Len())
	}
	if !frames[0].Compressed {
		t.Fatalf("expected decoded frame to report Compressed=true")
	}
	if !bytes.Equal(frames[0].Body, body) {
		t.Fatalf("body mismatch after compressed round trip")
	}
}

func TestDecodeStreamingSplitAtArbitraryBoundaries(t *testing.T) {
	var full bytes.Buffer
	var want []Frame
	for i := int32(0); i < 5; i++ {
		f := Frame{MessageType: 100 + i, Sequence: int64(i), TimestampMs: int64(i) * 10, Body: bytes.Repeat([]byte{byte(i)}, int(i)*3+1)}
		want = append(want, f)
		if err := Encode(&full, f, DefaultCompressThreshold); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}

	data := full.Bytes()
	var got []Frame
	var pending []byte
	for _, chunkSize := range []int{1, 3, 7, 11, 2, 1000} {
		if chunkSize > len(data) {
			chunkSize = len(data)
		}
		pending = append(pending, data[:chunkSize]...)
		data = data[chunkSize:]

		frames, consumed, err := Decode(pending, DefaultCompressThreshold)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		got = append(got, frames...)
		pending = pending[consumed:]
		if len(data) == 0 {
			break
		}
	}
	for len(data) > 0 {
		pending = append(pending, data...)
		data = nil
		frames, consumed, err := Decode(pending, DefaultCompressThreshold)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		got = append(got, frames...)
		pending = pending[consumed:]
	}

	if len(pending) != 0 {
		t.Fatalf("leftover unconsumed bytes: %d", len(pending))
	}
	if len(got) != len(want) {
		t.Fatalf("got %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].MessageType != want[i].MessageType || !bytes.Equal(got[i].Body, want[i].Body) {
			t.Fatalf("frame %d mismatch: got %+v want %+v", i, got[i], want[i])
		}
	}
}

func TestDecodeBadMagic(t *testing.T) {
	buf := make([]byte, HeaderSize)
	_, _, err := Decode(buf, DefaultCompressThreshold)
	if err != ErrMalformed {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

func TestDecodeOversizeBodyLength(t *testing.T) {
	var buf bytes.Buffer
	f := Frame{MessageType: 1, Body: nil}
	if err := Encode(&buf, f, 0); err != nil {
		t.Fatalf("encode: %v", err)
	}
	raw := buf.Bytes()
	// Overwrite body_length with something beyond MaxBodyBytes.
	raw[25] = 0x7F
	raw[26] = 0xFF
	raw[27] = 0xFF
	raw[28] = 0xFF
	_, _, err := Decode(raw, 0)
	if err != ErrOversize {
		t.Fatalf("err = %v, want ErrOversize", err)
	}
}

func TestDecodeInsufficientBytesReturnsZeroFrames(t *testing.T) {
	frames, consumed, err := Decode(make([]byte, HeaderSize-1), DefaultCompressThreshold)
	if err != nil || len(frames) != 0 || consumed != 0 {
		t.Fatalf("got (%v, %d, %v), want (nil, 0, nil)", frames, consumed, err)
	}
}

func TestClassify(t *testing.T) {
	cases := map[int32]MessageClass{
		50:   ClassSystemAuth,
		150:  ClassPlayer,
		250:  ClassChat,
		350:  ClassBag,
		450:  ClassBattle,
		550:  ClassGuild,
		650:  ClassActivity,
		9002: ClassError,
		800:  ClassUnknown,
	}
	for mt, want := range cases {
		if got := Classify(mt); got != want {
			t.Errorf("Classify(%d) = %v, want %v", mt, got, want)
		}
	}
}
