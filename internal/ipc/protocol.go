// Package ipc is the operator control plane: a framed request/response
// protocol over a unix socket, spoken by diaryctl. The socket's file
// mode is the authorization boundary, so the protocol carries no
// credentials; every control request still names the acting operator
// so the audit trail ties each action to a person.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x44495043 // "DIPC"
)

// MessageType identifies one framed message.
type MessageType uint16

const (
	// Control (0x00xx)
	MsgPing  MessageType = 0x0001
	MsgPong  MessageType = 0x0002
	MsgError MessageType = 0x0005

	// Daemon status (0x01xx)
	MsgStatus     MessageType = 0x0100
	MsgStatusResp MessageType = 0x0101

	// Delivery controls (0x02xx)
	MsgDeliveryStatus     MessageType = 0x0200
	MsgDeliveryStatusResp MessageType = 0x0201
	MsgSkipDelivery       MessageType = 0x0202
	MsgSkipDeliveryResp   MessageType = 0x0203

	// Chain controls (0x03xx)
	MsgVerifyChain     MessageType = 0x0300
	MsgVerifyChainResp MessageType = 0x0301
	MsgResumeChain     MessageType = 0x0302
	MsgResumeChainResp MessageType = 0x0303

	// Export (0x04xx)
	MsgExport     MessageType = 0x0400
	MsgExportResp MessageType = 0x0401

	// Administration (0x05xx)
	MsgReloadSchemas        MessageType = 0x0500
	MsgReloadSchemasResp    MessageType = 0x0501
	MsgWithdrawConflict     MessageType = 0x0502
	MsgWithdrawConflictResp MessageType = 0x0503
)

// Header is the fixed 16-byte frame prefix, big-endian on the wire.
type Header struct {
	Magic     uint32
	Version   uint8
	Flags     uint8 // reserved
	Type      MessageType
	RequestID uint32 // correlates a response with its request
	Length    uint32 // payload bytes following the header
}

const HeaderSize = 16

// maxPayload bounds one frame. Export archives ride the socket, so the
// cap is generous; everything else is a few kilobytes.
const maxPayload = 256 << 20

// Message is one frame: a header and its JSON payload.
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage frames a payload.
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf)
	return err
}

func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("bad magic %08x", h.Magic)
	}
	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version %d", h.Version)
	}
	return h, nil
}

func (m *Message) Write(w io.Writer) error {
	if err := m.Header.Write(w); err != nil {
		return err
	}
	if len(m.Payload) > 0 {
		_, err := w.Write(m.Payload)
		return err
	}
	return nil
}

// ReadMessage reads one complete frame.
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > maxPayload {
			return nil, fmt.Errorf("payload of %d bytes exceeds frame limit", h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Error codes carried by ErrorResponse. They mirror the engine's
// failure classes so diaryctl can exit with meaningful codes.
const (
	ErrUnknown        = 1
	ErrInvalidRequest = 2
	ErrNotFound       = 3
	ErrDenied         = 4
	ErrValidation     = 5
	ErrIntegrity      = 6
	ErrInternal       = 7
)

// ErrorResponse is the payload of every MsgError frame.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Operator names who is driving a control action. The role is always
// admin on this surface; the socket mode decided that already.
type Operator struct {
	ActorID  string `json:"actor_id"`
	TenantID string `json:"tenant_id"`
}

type StatusRequest struct{}

// TenantStatus is one tenant's line in the status summary.
type TenantStatus struct {
	TenantID   string `json:"tenant_id"`
	Head       int64  `json:"head"`
	Halted     bool   `json:"halted"`
	HaltReason string `json:"halt_reason,omitempty"`
}

type StatusResponse struct {
	Version       string         `json:"version"`
	StartedAtNs   int64          `json:"started_at_ns"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Ready         bool           `json:"ready"`
	Tenants       []TenantStatus `json:"tenants"`
	TotalEvents   int64          `json:"total_events"`
	OpenConflicts int64          `json:"open_conflicts"`
	Forms         []string       `json:"forms"`
}

type DeliveryStatusRequest struct {
	Operator Operator `json:"operator"`
	Target   string   `json:"target"`
	Limit    int      `json:"limit,omitempty"`
}

// DeliveryRow is one ledger entry for a target.
type DeliveryRow struct {
	SequenceID  int64  `json:"sequence_id"`
	Status      string `json:"status"`
	Attempts    int64  `json:"attempts"`
	NextRetryNs int64  `json:"next_retry_ns,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	UpdatedAtNs int64  `json:"updated_at_ns"`
}

type DeliveryStatusResponse struct {
	Target     string        `json:"target"`
	Lag        int64         `json:"lag"`
	Deliveries []DeliveryRow `json:"deliveries"`
}

type SkipDeliveryRequest struct {
	Operator   Operator `json:"operator"`
	Target     string   `json:"target"`
	SequenceID int64    `json:"sequence_id"`
	Reason     string   `json:"reason"`
}

type SkipDeliveryResponse struct {
	Skipped bool `json:"skipped"`
}

type VerifyChainRequest struct {
	Operator Operator `json:"operator"`
}

// VerifyChainResponse reports a full chain walk. Corrupted lists the
// sequence positions whose hashes no longer verify; Failure carries a
// structural error (a log gap) that aborted the walk early.
type VerifyChainResponse struct {
	TenantID  string  `json:"tenant_id"`
	Valid     bool    `json:"valid"`
	Checked   int64   `json:"checked"`
	HeadSeq   int64   `json:"head_sequence_id"`
	HeadHash  string  `json:"head_hash"`
	Corrupted []int64 `json:"corrupted,omitempty"`
	Failure   string  `json:"failure,omitempty"`
}

type ResumeChainRequest struct {
	Operator Operator `json:"operator"`
	Reason   string   `json:"reason"`
}

type ResumeChainResponse struct {
	Resumed bool `json:"resumed"`
}

type ExportRequest struct {
	Operator Operator `json:"operator"`
	FromSeq  int64    `json:"from_seq,omitempty"` // 0 = genesis
	ToSeq    int64    `json:"to_seq,omitempty"`   // 0 = head
}

// ExportResponse carries the signed archive inline; diaryctl writes it
// to disk unmodified so the verifier sees exactly what was signed.
type ExportResponse struct {
	TenantID   string `json:"tenant_id"`
	FromSeq    int64  `json:"from_seq"`
	ToSeq      int64  `json:"to_seq"`
	EventCount int64  `json:"event_count"`
	Archive    []byte `json:"archive"`
}

type ReloadSchemasRequest struct {
	Operator Operator `json:"operator"`
}

type ReloadSchemasResponse struct {
	Forms int `json:"forms"`
}

type WithdrawConflictRequest struct {
	Operator   Operator `json:"operator"`
	ConflictID int64    `json:"conflict_id"`
}

type WithdrawConflictResponse struct {
	Withdrawn bool `json:"withdrawn"`
}

// Encode marshals a payload.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode unmarshals a payload.
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewErrorMessage frames an error response.
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{Code: code, Message: message})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse frames a typed response payload.
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}
