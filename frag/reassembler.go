package frag

import "sync"

// Reassembler collects the chunks of in-flight messages keyed by msg_id.
// Safe for concurrent use; the transport callback and test drivers may feed
// from different goroutines.
type Reassembler struct {
	mu   sync.Mutex
	msgs map[uint32]*reasmState
}

type reasmState struct {
	total    uint16
	received int
	bytes    int
	parts    [][]byte // len == total
	have     []bool   // len == total
}

func NewReassembler() *Reassembler {
	return &Reassembler{msgs: make(map[uint32]*reasmState)}
}

// Feed accepts one chunk. It returns (payload, true) exactly once, when the
// last missing slot of a message arrives; the message state is dropped at
// that point. Duplicates are no-ops. If total changes mid-message the state
// is rebuilt and chunks from the old epoch are discarded.
func (r *Reassembler) Feed(c Chunk) ([]byte, bool) {
	if c.Hdr.Seq >= c.Hdr.Total || int(c.Hdr.Len) != len(c.Payload) {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.msgs[c.Hdr.MsgID]
	if !ok || st.total != c.Hdr.Total {
		st = &reasmState{
			total: c.Hdr.Total,
			parts: make([][]byte, c.Hdr.Total),
			have:  make([]bool, c.Hdr.Total),
		}
		r.msgs[c.Hdr.MsgID] = st
	}

	if st.have[c.Hdr.Seq] {
		return nil, false // duplicate
	}
	part := make([]byte, len(c.Payload))
	copy(part, c.Payload)
	st.parts[c.Hdr.Seq] = part
	st.have[c.Hdr.Seq] = true
	st.received++
	st.bytes += len(part)

	if st.received < int(st.total) {
		return nil, false
	}

	out := make([]byte, 0, st.bytes)
	for _, p := range st.parts {
		out = append(out, p...)
	}
	delete(r.msgs, c.Hdr.MsgID)
	return out, true
}

// Clear drops any partial state for msgID.
func (r *Reassembler) Clear(msgID uint32) {
	r.mu.Lock()
	delete(r.msgs, msgID)
	r.mu.Unlock()
}
