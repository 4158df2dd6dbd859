package mllp

import (
	"bytes"
	"testing"
)

func TestExtractFramesSingle(t *testing.T) {
	payload := []byte("MSH|^~\\&|TEST\rPID|1||1001\r")

	payloads, leftover := ExtractFrames(Frame(payload))
	if len(payloads) != 1 {
		t.Fatalf("expected 1 payload, got %d", len(payloads))
	}
	if !bytes.Equal(payloads[0], payload) {
		t.Fatalf("payload mismatch: got %q", payloads[0])
	}
	if len(leftover) != 0 {
		t.Fatalf("expected empty leftover, got %q", leftover)
	}
}

func TestExtractFramesMultiple(t *testing.T) {
	messages := [][]byte{
		[]byte("MSH|one\r"),
		[]byte("MSH|two\rPID|1||7\r"),
		[]byte("MSH|three\r"),
	}
	var stream []byte
	for _, m := range messages {
		stream = append(stream, Frame(m)...)
	}

	payloads, leftover := ExtractFrames(stream)
	if len(payloads) != len(messages) {
		t.Fatalf("expected %d payloads, got %d", len(messages), len(payloads))
	}
	for i, m := range messages {
		if !bytes.Equal(payloads[i], m) {
			t.Fatalf("payload %d mismatch: got %q want %q", i, payloads[i], m)
		}
	}
	if len(leftover) != 0 {
		t.Fatalf("expected empty leftover, got %q", leftover)
	}
}

func TestExtractFramesPartialTail(t *testing.T) {
	complete := Frame([]byte("MSH|done\r"))
	partial := []byte{startBlock, 'M', 'S', 'H', '|', 'p', 'a', 'r'}

	stream := append([]byte("noise"), complete...)
	stream = append(stream, partial...)

	payloads, leftover := ExtractFrames(stream)
	if len(payloads) != 1 {
		t.Fatalf("expected 1 payload, got %d", len(payloads))
	}
	if !bytes.Equal(leftover, partial) {
		t.Fatalf("leftover mismatch: got %v want %v", leftover, partial)
	}
}

func TestExtractFramesDiscardsLeadingJunk(t *testing.T) {
	payloads, leftover := ExtractFrames([]byte("garbage with no start byte"))
	if len(payloads) != 0 || len(leftover) != 0 {
		t.Fatalf("expected nothing, got %d payloads and leftover %q", len(payloads), leftover)
	}
}

func TestExtractFramesTrailerSplitAcrossReads(t *testing.T) {
	first := append([]byte{startBlock}, []byte("MSH|^~\\&|SIM\rPID|1||1001")...)
	second := []byte{'\r', endBlock, carriageReturn}

	payloads, leftover := ExtractFrames(first)
	if len(payloads) != 0 {
		t.Fatalf("expected no payloads from the first chunk, got %d", len(payloads))
	}
	if !bytes.Equal(leftover, first) {
		t.Fatalf("first chunk should be retained intact, got %v", leftover)
	}

	payloads, leftover = ExtractFrames(append(leftover, second...))
	if len(payloads) != 1 {
		t.Fatalf("expected 1 payload after the second chunk, got %d", len(payloads))
	}
	want := []byte("MSH|^~\\&|SIM\rPID|1||1001\r")
	if !bytes.Equal(payloads[0], want) {
		t.Fatalf("payload mismatch: got %q want %q", payloads[0], want)
	}
	if len(leftover) != 0 {
		t.Fatalf("expected empty leftover, got %q", leftover)
	}
}

func TestExtractFramesEndBlockInsidePayload(t *testing.T) {
	payload := []byte{'A', endBlock, 'B'}

	payloads, leftover := ExtractFrames(Frame(payload))
	if len(payloads) != 1 {
		t.Fatalf("expected 1 payload, got %d", len(payloads))
	}
	if !bytes.Equal(payloads[0], payload) {
		t.Fatalf("scan should resynchronise past a bare end-of-block, got %v", payloads[0])
	}
	if len(leftover) != 0 {
		t.Fatalf("expected empty leftover, got %q", leftover)
	}
}

func TestExtractFramesMissingTrailer(t *testing.T) {
	stream := append([]byte{startBlock}, []byte("MSH|unterminated")...)

	payloads, leftover := ExtractFrames(stream)
	if len(payloads) != 0 {
		t.Fatalf("expected no payloads, got %d", len(payloads))
	}
	if !bytes.Equal(leftover, stream) {
		t.Fatalf("leftover mismatch: got %v want %v", leftover, stream)
	}
}

func TestAckFrame(t *testing.T) {
	ack := AckFrame()
	if ack[0] != startBlock {
		t.Fatalf("ack must begin with start-of-block, got %#x", ack[0])
	}
	if ack[len(ack)-2] != endBlock || ack[len(ack)-1] != carriageReturn {
		t.Fatalf("ack must end with the trailer, got %#x %#x", ack[len(ack)-2], ack[len(ack)-1])
	}
	if !bytes.Contains(ack, []byte("MSA|AA|12345")) {
		t.Fatalf("ack payload mismatch: %q", ack)
	}
}
