package barrier

import "fmt"

// CmdBarrier is the internal-protocol command byte for BARRIER messages
// (spec.md §4.5's message table, target port 0).
const CmdBarrier byte = 4

// nameFieldSize is the fixed width of a barrier name on the wire.
const nameFieldSize = 32

const (
	subcmdWait     byte = 4
	subcmdComplete byte = 5
)

// EncodeWait frames a BARRIER/WAIT internal-protocol message, cmd byte
// included, ready to hand to the transport as an internal-port payload.
func EncodeWait(name string) []byte { return encodeInternal(subcmdWait, name) }

// EncodeComplete frames a BARRIER/COMPLETE internal-protocol message.
func EncodeComplete(name string) []byte { return encodeInternal(subcmdComplete, name) }

func encodeInternal(subcmd byte, name string) []byte {
	buf := make([]byte, 1+1+nameFieldSize)
	buf[0] = CmdBarrier
	buf[1] = subcmd
	copy(buf[2:], name)
	return buf
}

// decodeMessage parses a BARRIER message body (the bytes after the
// leading CmdBarrier byte, which the internal-protocol dispatcher has
// already stripped).
func decodeMessage(body []byte) (subcmd byte, name string, err error) {
	if len(body) < 1+nameFieldSize {
		return 0, "", fmt.Errorf("barrier: short message (%d bytes)", len(body))
	}
	subcmd = body[0]
	end := 1
	for end < 1+nameFieldSize && body[end] != 0 {
		end++
	}
	name = string(body[1:end])
	return subcmd, name, nil
}
