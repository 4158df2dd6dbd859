// Package mllp implements the MLLP byte framing used by the upstream
// hospital feed: each message is 0x0B, the payload, then 0x1C 0x0D.
package mllp

import "bytes"

const (
	startBlock     = 0x0B
	endBlock       = 0x1C
	carriageReturn = 0x0D
)

// ackPayload is the fixed acknowledgement message transmitted after every
// processed frame.
const ackPayload = "MSH|^~\\&|ACK_APP|ACK_FAC|SIMULATOR|SIM_FAC|20250129090000||ACK|12345|P|2.3\rMSA|AA|12345\r"

var ackFrame = Frame([]byte(ackPayload))

// Frame wraps a payload in the MLLP start/end-of-block envelope.
func Frame(payload []byte) []byte {
	framed := make([]byte, 0, len(payload)+3)
	framed = append(framed, startBlock)
	framed = append(framed, payload...)
	framed = append(framed, endBlock, carriageReturn)
	return framed
}

// AckFrame returns the framed acknowledgement. Callers must not mutate it.
func AckFrame() []byte {
	return ackFrame
}

// ExtractFrames scans buf for complete frames and returns their payloads in
// order, plus the unconsumed tail. Bytes before the first start-of-block are
// discarded. An end-of-block byte not followed by a carriage return is
// treated as payload when the next byte is present (the scan resynchronises)
// and as an incomplete frame when it is not. An incomplete frame is returned
// in the tail verbatim, from its start-of-block byte, so the caller can
// prepend the tail to the next read.
func ExtractFrames(buf []byte) ([][]byte, []byte) {
	var payloads [][]byte
	pos := 0
	for {
		offset := bytes.IndexByte(buf[pos:], startBlock)
		if offset < 0 {
			return payloads, nil
		}
		frameStart := pos + offset
		end := -1
		for i := frameStart + 1; i < len(buf); i++ {
			if buf[i] != endBlock {
				continue
			}
			if i+1 >= len(buf) {
				// Trailer split across reads; wait for more bytes.
				break
			}
			if buf[i+1] == carriageReturn {
				end = i
				break
			}
		}
		if end < 0 {
			tail := make([]byte, len(buf)-frameStart)
			copy(tail, buf[frameStart:])
			return payloads, tail
		}
		payload := make([]byte, end-frameStart-1)
		copy(payload, buf[frameStart+1:end])
		payloads = append(payloads, payload)
		pos = end + 2
	}
}
