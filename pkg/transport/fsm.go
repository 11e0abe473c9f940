package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hashicorp/raft"
)

// envelope carries the originating node id alongside the C3-level payload
// through the raft log, since raft.Log itself does not expose "who
// submitted this entry" to Apply.
func encodeEnvelope(source string, payload []byte) []byte {
	buf := make([]byte, 4+len(source)+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(source)))
	copy(buf[4:4+len(source)], source)
	copy(buf[4+len(source):], payload)
	return buf
}

func decodeEnvelope(data []byte) (source string, payload []byte, err error) {
	if len(data) < 4 {
		return "", nil, fmt.Errorf("envelope truncated")
	}
	n := binary.BigEndian.Uint32(data[0:4])
	if uint32(len(data)) < 4+n {
		return "", nil, fmt.Errorf("envelope source truncated")
	}
	source = string(data[4 : 4+n])
	payload = data[4+n:]
	return source, payload, nil
}

// deliverFSM is the raft.FSM that turns committed log entries into deliver
// callbacks. It holds no durable state of its own: the virtual-synchrony
// layer's state lives in pkg/registry, pkg/quorum, pkg/transition, and
// pkg/barrier, all driven by the callback.
type deliverFSM struct {
	deliver DeliverFunc
}

func newDeliverFSM(deliver DeliverFunc) *deliverFSM {
	return &deliverFSM{deliver: deliver}
}

func (f *deliverFSM) Apply(log *raft.Log) interface{} {
	source, payload, err := decodeEnvelope(log.Data)
	if err != nil {
		return err
	}
	if f.deliver != nil {
		f.deliver(source, payload, false)
	}
	return nil
}

// Snapshot is a no-op: the transport layer carries no state the raft log
// doesn't already hold, so there is nothing to compact into a snapshot
// beyond what raft's own log truncation already does.
func (f *deliverFSM) Snapshot() (raft.FSMSnapshot, error) {
	return emptySnapshot{}, nil
}

func (f *deliverFSM) Restore(rc io.ReadCloser) error {
	return rc.Close()
}

type emptySnapshot struct{}

func (emptySnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }
func (emptySnapshot) Release()                             {}
