// Package export writes verifiable archives of a tenant's event log.
// An archive is a single gzip stream of NDJSON: the first line is a
// signed manifest pinning the range, the event count, and the chain
// head; every following line is one event with its stored hashes. A
// verifier needs nothing but the archive and the signer's public key.
package export

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"diaryd/internal/event"
	"diaryd/internal/signer"
	"diaryd/internal/store"
)

// FormatVersion identifies the archive layout. Readers reject versions
// they do not know.
const FormatVersion = 1

// HashAlgorithm names the digest used for both the event hashes and the
// manifest signature input.
const HashAlgorithm = "sha256"

// exportBatch bounds memory while streaming event lines.
const exportBatch = 512

// Manifest is the first line of an archive. The signature covers the
// canonical manifest with the signature field cleared, so any edit to
// the pinned range or chain head invalidates it.
type Manifest struct {
	FormatVersion int    `json:"format_version"`
	TenantID      string `json:"tenant_id"`
	FromSeq       int64  `json:"from_seq"`
	ToSeq         int64  `json:"to_seq"`
	EventCount    int64  `json:"event_count"`
	PrevChainHash string `json:"prev_chain_hash"` // link before FromSeq, zero hash at genesis
	ChainHeadHash string `json:"chain_head_hash"` // link at ToSeq
	HashAlgorithm string `json:"hash_algorithm"`
	CreatedAtNs   int64  `json:"created_at_ns"`
	PublicKey     string `json:"public_key"`          // base64 raw Ed25519
	Signature     string `json:"signature,omitempty"` // base64 over the canonical digest
}

// CanonicalDigest returns the digest the signature covers: the SHA-256
// of the manifest serialized with an empty signature field. Field order
// follows the struct, which both sides share.
func (m *Manifest) CanonicalDigest() ([32]byte, error) {
	unsigned := *m
	unsigned.Signature = ""
	raw, err := json.Marshal(&unsigned)
	if err != nil {
		return [32]byte{}, fmt.Errorf("canonicalize manifest: %w", err)
	}
	return sha256.Sum256(raw), nil
}

// Record is one event line in an archive. Hashes travel hex-encoded;
// evidence blobs travel verbatim (base64 via encoding/json).
type Record struct {
	SequenceID   int64           `json:"sequence_id"`
	EventID      string          `json:"event_id"`
	TenantID     string          `json:"tenant_id"`
	SiteID       string          `json:"site_id"`
	SubjectID    string          `json:"subject_id"`
	Operation    string          `json:"operation"`
	ParentSeq    *int64          `json:"parent_seq,omitempty"`
	ActorID      string          `json:"actor_id"`
	ActorRole    string          `json:"actor_role"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ChangeReason string          `json:"change_reason,omitempty"`
	Evidence     []byte          `json:"evidence,omitempty"`
	ClientTimeNs int64           `json:"client_time_ns"`
	RecordedAtNs int64           `json:"recorded_at_ns"`
	ContentHash  string          `json:"content_hash"`
	ChainHash    string          `json:"chain_hash"`
}

// NewRecord serializes a stored event into its archive line.
func NewRecord(e *event.Event) Record {
	return Record{
		SequenceID:   e.Sequence,
		EventID:      e.EventID.String(),
		TenantID:     e.TenantID,
		SiteID:       e.SiteID,
		SubjectID:    e.SubjectID,
		Operation:    string(e.Operation),
		ParentSeq:    e.ParentSeq,
		ActorID:      e.ActorID,
		ActorRole:    e.ActorRole,
		Payload:      e.Payload,
		ChangeReason: e.ChangeReason,
		Evidence:     e.Evidence,
		ClientTimeNs: e.ClientTimeNs,
		RecordedAtNs: e.RecordedAtNs,
		ContentHash:  hex.EncodeToString(e.ContentHash[:]),
		ChainHash:    hex.EncodeToString(e.ChainHash[:]),
	}
}

// Event decodes the line back into an event for re-verification.
func (r *Record) Event() (*event.Event, error) {
	id, err := uuid.Parse(r.EventID)
	if err != nil {
		return nil, fmt.Errorf("sequence %d: bad event id: %w", r.SequenceID, err)
	}
	e := &event.Event{
		Sequence:     r.SequenceID,
		EventID:      id,
		TenantID:     r.TenantID,
		SiteID:       r.SiteID,
		SubjectID:    r.SubjectID,
		Operation:    event.Operation(r.Operation),
		ParentSeq:    r.ParentSeq,
		ActorID:      r.ActorID,
		ActorRole:    r.ActorRole,
		Payload:      r.Payload,
		ChangeReason: r.ChangeReason,
		Evidence:     r.Evidence,
		ClientTimeNs: r.ClientTimeNs,
		RecordedAtNs: r.RecordedAtNs,
	}
	if err := decodeHash(&e.ContentHash, r.ContentHash); err != nil {
		return nil, fmt.Errorf("sequence %d: bad content hash: %w", r.SequenceID, err)
	}
	if err := decodeHash(&e.ChainHash, r.ChainHash); err != nil {
		return nil, fmt.Errorf("sequence %d: bad chain hash: %w", r.SequenceID, err)
	}
	return e, nil
}

func decodeHash(dst *[32]byte, s string) error {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(raw) != 32 {
		return fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	copy(dst[:], raw)
	return nil
}

// Exporter streams signed archives out of the store.
type Exporter struct {
	store *store.Store
	key   ed25519.PrivateKey
}

// New returns an exporter signing with the given key.
func New(st *store.Store, key ed25519.PrivateKey) *Exporter {
	return &Exporter{store: st, key: key}
}

// Export writes the archive for one tenant's events with
// from <= sequence <= to. from < 1 is clamped to 1; to <= 0 means the
// current head. The caller has already been authorized.
func (x *Exporter) Export(w io.Writer, tenant string, from, to int64) (*Manifest, error) {
	if from < 1 {
		from = 1
	}
	head, err := x.store.TenantHead(tenant)
	if err != nil {
		return nil, err
	}
	if head == 0 {
		return nil, fmt.Errorf("tenant %s has no events", tenant)
	}
	if to <= 0 || to > head {
		to = head
	}
	if from > to {
		return nil, fmt.Errorf("export range %d..%d is empty", from, to)
	}

	manifest, err := x.buildManifest(tenant, from, to)
	if err != nil {
		return nil, err
	}

	gz := gzip.NewWriter(w)
	enc := json.NewEncoder(gz)
	if err := enc.Encode(manifest); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	next := from
	for next <= to {
		upper := next + exportBatch - 1
		if upper > to {
			upper = to
		}
		batch, err := x.store.EventsRange(tenant, next, upper)
		if err != nil {
			return nil, err
		}
		if int64(len(batch)) != upper-next+1 {
			return nil, &event.IntegrityError{
				TenantID: tenant,
				Sequence: next,
				Reason:   fmt.Sprintf("log gap: expected sequences %d..%d, found %d rows", next, upper, len(batch)),
			}
		}
		for i := range batch {
			line := NewRecord(&batch[i])
			if err := enc.Encode(&line); err != nil {
				return nil, fmt.Errorf("write event %d: %w", batch[i].Sequence, err)
			}
		}
		next = upper + 1
	}

	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("finish archive: %w", err)
	}
	return manifest, nil
}

// buildManifest pins the range and chain endpoints before any event
// line is written, then signs.
func (x *Exporter) buildManifest(tenant string, from, to int64) (*Manifest, error) {
	prev := event.ZeroHash
	if from > 1 {
		before, err := x.store.EventAt(tenant, from-1)
		if err != nil {
			return nil, err
		}
		if before == nil {
			return nil, &event.IntegrityError{
				TenantID: tenant,
				Sequence: from - 1,
				Reason:   "predecessor event missing from log",
			}
		}
		prev = before.ChainHash
	}

	last, err := x.store.EventAt(tenant, to)
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, &event.IntegrityError{
			TenantID: tenant,
			Sequence: to,
			Reason:   "head event missing from log",
		}
	}

	m := &Manifest{
		FormatVersion: FormatVersion,
		TenantID:      tenant,
		FromSeq:       from,
		ToSeq:         to,
		EventCount:    to - from + 1,
		PrevChainHash: hex.EncodeToString(prev[:]),
		ChainHeadHash: hex.EncodeToString(last.ChainHash[:]),
		HashAlgorithm: HashAlgorithm,
		CreatedAtNs:   time.Now().UnixNano(),
		PublicKey:     base64.StdEncoding.EncodeToString(signer.GetPublicKey(x.key)),
	}

	digest, err := m.CanonicalDigest()
	if err != nil {
		return nil, err
	}
	m.Signature = base64.StdEncoding.EncodeToString(signer.SignManifest(x.key, digest[:]))
	return m, nil
}

// FileName returns the conventional archive name for a range.
func FileName(tenant string, from, to int64) string {
	return fmt.Sprintf("%s-%d-%d.ndjson.gz", tenant, from, to)
}
