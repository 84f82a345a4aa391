package ipc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Client errors.
var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrDaemonNotRunning = errors.New("daemon is not running")
)

// Client speaks the control protocol for diaryctl. Calls are strictly
// serialized: one request in flight per connection, which is all a
// command line tool ever needs.
type Client struct {
	mu        sync.Mutex
	conn      net.Conn
	timeout   time.Duration
	nextReqID atomic.Uint32
}

// ClientOptions configures Dial.
type ClientOptions struct {
	SocketPath     string
	ConnectTimeout time.Duration // default 5s
	CallTimeout    time.Duration // default 60s, exports and verifies can be slow
}

// Dial connects to the daemon's control socket.
func Dial(opts ClientOptions) (*Client, error) {
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 60 * time.Second
	}

	dialer := net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.Dial("unix", opts.SocketPath)
	if err != nil {
		if _, statErr := os.Stat(opts.SocketPath); os.IsNotExist(statErr) {
			return nil, ErrDaemonNotRunning
		}
		return nil, err
	}
	return &Client{conn: conn, timeout: callTimeout}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// CallError is a daemon-side failure surfaced to the CLI. Code is one
// of the Err* protocol constants.
type CallError struct {
	Code    int
	Message string
}

func (e *CallError) Error() string { return e.Message }

// call sends one request frame and decodes the matching response.
func (c *Client) call(reqType, respType MessageType, req, resp any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}

	var payload []byte
	if req != nil {
		var err error
		payload, err = Encode(req)
		if err != nil {
			return err
		}
	}
	id := c.nextReqID.Add(1)

	c.conn.SetDeadline(time.Now().Add(c.timeout))
	if err := NewMessage(reqType, id, payload).Write(c.conn); err != nil {
		return err
	}

	reply, err := ReadMessage(c.conn)
	if err != nil {
		return err
	}
	if reply.Header.RequestID != id {
		return fmt.Errorf("response correlates to request %d, want %d", reply.Header.RequestID, id)
	}

	if reply.Header.Type == MsgError {
		var e ErrorResponse
		if err := Decode(reply.Payload, &e); err != nil {
			return fmt.Errorf("undecodable daemon error: %w", err)
		}
		return &CallError{Code: e.Code, Message: e.Message}
	}
	if reply.Header.Type != respType {
		return fmt.Errorf("unexpected response type %#04x", uint16(reply.Header.Type))
	}
	if resp != nil {
		return Decode(reply.Payload, resp)
	}
	return nil
}

// Ping checks that the daemon answers.
func (c *Client) Ping() error {
	return c.call(MsgPing, MsgPong, nil, nil)
}

// Status fetches the data plane summary.
func (c *Client) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.call(MsgStatus, MsgStatusResp, &StatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeliveryStatus fetches the ledger rows and lag for one target.
func (c *Client) DeliveryStatus(op Operator, target string, limit int) (*DeliveryStatusResponse, error) {
	var resp DeliveryStatusResponse
	err := c.call(MsgDeliveryStatus, MsgDeliveryStatusResp,
		&DeliveryStatusRequest{Operator: op, Target: target, Limit: limit}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// SkipDelivery bypasses one stuck delivery so the stream behind it can
// move. It reports false when the row was missing or already terminal.
func (c *Client) SkipDelivery(op Operator, target string, seq int64, reason string) (bool, error) {
	var resp SkipDeliveryResponse
	err := c.call(MsgSkipDelivery, MsgSkipDeliveryResp,
		&SkipDeliveryRequest{Operator: op, Target: target, SequenceID: seq, Reason: reason}, &resp)
	if err != nil {
		return false, err
	}
	return resp.Skipped, nil
}

// VerifyChain walks the operator's tenant chain from genesis to head.
func (c *Client) VerifyChain(op Operator) (*VerifyChainResponse, error) {
	var resp VerifyChainResponse
	err := c.call(MsgVerifyChain, MsgVerifyChainResp, &VerifyChainRequest{Operator: op}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// ResumeChain lifts a halt on the operator's tenant.
func (c *Client) ResumeChain(op Operator, reason string) error {
	var resp ResumeChainResponse
	return c.call(MsgResumeChain, MsgResumeChainResp,
		&ResumeChainRequest{Operator: op, Reason: reason}, &resp)
}

// Export pulls a signed archive of the operator's tenant log.
func (c *Client) Export(op Operator, from, to int64) (*ExportResponse, error) {
	var resp ExportResponse
	err := c.call(MsgExport, MsgExportResp,
		&ExportRequest{Operator: op, FromSeq: from, ToSeq: to}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReloadSchemas re-reads the form schema directory and reports how many
// forms are now loaded.
func (c *Client) ReloadSchemas(op Operator) (int, error) {
	var resp ReloadSchemasResponse
	err := c.call(MsgReloadSchemas, MsgReloadSchemasResp, &ReloadSchemasRequest{Operator: op}, &resp)
	if err != nil {
		return 0, err
	}
	return resp.Forms, nil
}

// WithdrawConflict closes one pending conflict without a resolving
// resubmission.
func (c *Client) WithdrawConflict(op Operator, conflictID int64) (bool, error) {
	var resp WithdrawConflictResponse
	err := c.call(MsgWithdrawConflict, MsgWithdrawConflictResp,
		&WithdrawConflictRequest{Operator: op, ConflictID: conflictID}, &resp)
	if err != nil {
		return false, err
	}
	return resp.Withdrawn, nil
}
