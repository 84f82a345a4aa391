package event

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
)

// Domain separation prefixes. Changing the canonical encoding requires a
// new version string, never a silent change.
const (
	contentHashDomain = "diaryd-event-v1"
	chainHashDomain   = "diaryd-chain-v1"
)

// ZeroHash is the chain predecessor of the first event in a tenant.
var ZeroHash [32]byte

// ContentHash computes the canonical hash over every caller-supplied
// field of an event. Store-assigned fields (sequence, recorded-at) are
// excluded; they are bound by the chain hash instead. The encoding is
// strictly length-prefixed so no two field layouts collide.
func ContentHash(e *Event) [32]byte {
	h := sha256.New()
	h.Write([]byte(contentHashDomain))

	// Event ID (16 bytes)
	id := e.EventID
	h.Write(id[:])

	writeString(h, e.TenantID)
	writeString(h, e.SiteID)
	writeString(h, e.SubjectID)
	writeString(h, string(e.Operation))
	writeString(h, e.ActorID)
	writeString(h, e.ActorRole)
	writeString(h, e.ChangeReason)

	// Parent sequence (presence byte + 8 bytes)
	if e.ParentSeq != nil {
		h.Write([]byte{1})
		writeInt64(h, *e.ParentSeq)
	} else {
		h.Write([]byte{0})
		writeInt64(h, 0)
	}

	// Client timestamp (8 bytes, big-endian)
	writeInt64(h, e.ClientTimeNs)

	writeBytes(h, e.Payload)
	writeBytes(h, e.Evidence)

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ChainHash links an event to its tenant's chain. It binds the
// store-assigned sequence and server timestamp to the content hash and
// the previous link, so reordering, retiming, or splicing is detectable.
func ChainHash(sequence int64, recordedAtNs int64, contentHash, prev [32]byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(chainHashDomain))
	writeInt64(h, sequence)
	writeInt64(h, recordedAtNs)
	h.Write(contentHash[:])
	h.Write(prev[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// VerifyChain recomputes hashes for a contiguous run of one tenant's
// events and walks the linkage. prev is the chain hash immediately
// before the first event, or ZeroHash when the run starts at sequence 1.
// It returns the sequences that fail and the chain head after the run.
func VerifyChain(events []Event, prev [32]byte) (corrupted []int64, head [32]byte, err error) {
	head = prev
	for i := range events {
		e := &events[i]

		if i > 0 && e.Sequence != events[i-1].Sequence+1 {
			return corrupted, head, fmt.Errorf("sequence gap: %d follows %d", e.Sequence, events[i-1].Sequence)
		}

		ok := true
		if got := ContentHash(e); !bytes.Equal(got[:], e.ContentHash[:]) {
			ok = false
		}
		if got := ChainHash(e.Sequence, e.RecordedAtNs, e.ContentHash, head); !bytes.Equal(got[:], e.ChainHash[:]) {
			ok = false
		}
		if !ok {
			corrupted = append(corrupted, e.Sequence)
		}

		// Continue from the stored link so a payload tamper is
		// reported once instead of cascading over the rest of the run.
		head = e.ChainHash
	}
	return corrupted, head, nil
}

func writeString(w io.Writer, s string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	w.Write(lenBuf[:])
	w.Write([]byte(s))
}

func writeBytes(w io.Writer, b []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	w.Write(lenBuf[:])
	w.Write(b)
}

func writeInt64(w io.Writer, v int64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	w.Write(buf[:])
}
