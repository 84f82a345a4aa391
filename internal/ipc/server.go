package ipc

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"diaryd/internal/engine"
	"diaryd/internal/event"
	"diaryd/internal/identity"
	"diaryd/internal/logging"
)

// ServerOptions configures the control socket. Engine and SocketPath
// are required.
type ServerOptions struct {
	Engine     *engine.Engine
	SocketPath string
	Version    string
	Mode       os.FileMode // socket file mode, default 0600
	MaxConns   int         // default 16
	Ready      func() bool // surfaced in status; nil reads as ready
	Log        *logging.Logger
}

// Server answers operator requests on the unix socket. One goroutine
// per connection, strictly request/response; a connection that goes
// quiet is closed.
type Server struct {
	engine   *engine.Engine
	path     string
	version  string
	mode     os.FileMode
	maxConns int
	ready    func() bool
	log      *logging.Logger

	mu        sync.Mutex
	listener  net.Listener
	conns     map[net.Conn]struct{}
	startedAt time.Time

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

// NewServer builds the server; Start makes it listen.
func NewServer(opts ServerOptions) *Server {
	log := opts.Log
	if log == nil {
		log = logging.Default()
	}
	mode := opts.Mode
	if mode == 0 {
		mode = 0o600
	}
	maxConns := opts.MaxConns
	if maxConns <= 0 {
		maxConns = 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		engine:   opts.Engine,
		path:     opts.SocketPath,
		version:  opts.Version,
		mode:     mode,
		maxConns: maxConns,
		ready:    opts.Ready,
		log:      log.WithComponent("ipc"),
		conns:    make(map[net.Conn]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SocketPath returns where the server listens.
func (s *Server) SocketPath() string { return s.path }

// Start binds the socket and begins accepting. The file mode is the
// authorization boundary: whoever can open the socket is an operator.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if err := removeStaleSocket(s.path); err != nil {
		return err
	}

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, s.mode); err != nil {
		listener.Close()
		return fmt.Errorf("restrict socket mode: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.startedAt = time.Now()
	s.mu.Unlock()
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop(listener)

	s.log.Info("control socket listening", "path", s.path)
	return nil
}

// Stop closes the listener and every live connection, then removes the
// socket file.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()

	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn("control socket connections did not drain in time")
	}

	os.Remove(s.path)
	return nil
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}

		s.mu.Lock()
		if len(s.conns) >= s.maxConns {
			s.mu.Unlock()
			conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		msg, err := ReadMessage(conn)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
					s.log.Warn("bad frame on control socket", "error", err)
				}
			}
			return
		}

		resp := s.dispatch(s.ctx, msg)
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := resp.Write(conn); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, msg *Message) *Message {
	id := msg.Header.RequestID
	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, id, nil)
	case MsgStatus:
		return s.handleStatus(ctx, id)
	case MsgDeliveryStatus:
		return s.handleDeliveryStatus(ctx, id, msg.Payload)
	case MsgSkipDelivery:
		return s.handleSkipDelivery(ctx, id, msg.Payload)
	case MsgVerifyChain:
		return s.handleVerifyChain(ctx, id, msg.Payload)
	case MsgResumeChain:
		return s.handleResumeChain(ctx, id, msg.Payload)
	case MsgExport:
		return s.handleExport(ctx, id, msg.Payload)
	case MsgReloadSchemas:
		return s.handleReloadSchemas(ctx, id, msg.Payload)
	case MsgWithdrawConflict:
		return s.handleWithdrawConflict(ctx, id, msg.Payload)
	default:
		return NewErrorMessage(id, ErrInvalidRequest, fmt.Sprintf("unknown message type %#04x", uint16(msg.Header.Type)))
	}
}

func (s *Server) handleStatus(ctx context.Context, id uint32) *Message {
	st, err := s.engine.Status(ctx)
	if err != nil {
		return errorFrame(id, err)
	}

	resp := &StatusResponse{
		Version:       s.version,
		StartedAtNs:   s.startedAt.UnixNano(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Ready:         s.ready == nil || s.ready(),
		TotalEvents:   st.TotalEvents,
		OpenConflicts: st.OpenConflicts,
		Forms:         st.Forms,
	}
	for _, t := range st.Tenants {
		resp.Tenants = append(resp.Tenants, TenantStatus{
			TenantID:   t.TenantID,
			Head:       t.Head,
			Halted:     t.Halted,
			HaltReason: t.HaltReason,
		})
	}
	return respond(MsgStatusResp, id, resp)
}

func (s *Server) handleDeliveryStatus(ctx context.Context, id uint32, payload []byte) *Message {
	var req DeliveryStatusRequest
	if err := Decode(payload, &req); err != nil {
		return NewErrorMessage(id, ErrInvalidRequest, "malformed request payload")
	}
	caller, errMsg := operatorCaller(id, req.Operator)
	if errMsg != nil {
		return errMsg
	}

	rows, lag, err := s.engine.DeliveryStatus(ctx, caller, req.Target, req.Limit)
	if err != nil {
		return errorFrame(id, err)
	}

	resp := &DeliveryStatusResponse{Target: req.Target, Lag: lag}
	for _, d := range rows {
		resp.Deliveries = append(resp.Deliveries, DeliveryRow{
			SequenceID:  d.Sequence,
			Status:      d.Status,
			Attempts:    d.Attempts,
			NextRetryNs: d.NextRetryNs,
			LastError:   d.LastError,
			UpdatedAtNs: d.UpdatedAtNs,
		})
	}
	return respond(MsgDeliveryStatusResp, id, resp)
}

func (s *Server) handleSkipDelivery(ctx context.Context, id uint32, payload []byte) *Message {
	var req SkipDeliveryRequest
	if err := Decode(payload, &req); err != nil {
		return NewErrorMessage(id, ErrInvalidRequest, "malformed request payload")
	}
	caller, errMsg := operatorCaller(id, req.Operator)
	if errMsg != nil {
		return errMsg
	}

	skipped, err := s.engine.SkipDelivery(ctx, caller, req.Target, req.SequenceID, req.Reason)
	if err != nil {
		return errorFrame(id, err)
	}
	return respond(MsgSkipDeliveryResp, id, &SkipDeliveryResponse{Skipped: skipped})
}

func (s *Server) handleVerifyChain(ctx context.Context, id uint32, payload []byte) *Message {
	var req VerifyChainRequest
	if err := Decode(payload, &req); err != nil {
		return NewErrorMessage(id, ErrInvalidRequest, "malformed request payload")
	}
	caller, errMsg := operatorCaller(id, req.Operator)
	if errMsg != nil {
		return errMsg
	}

	report, err := s.engine.VerifyChain(ctx, caller, caller.TenantID)
	if report == nil {
		return errorFrame(id, err)
	}

	resp := &VerifyChainResponse{
		TenantID:  caller.TenantID,
		Valid:     err == nil && report.OK(),
		Checked:   report.Checked,
		HeadSeq:   report.HeadSeq,
		HeadHash:  hex.EncodeToString(report.HeadHash[:]),
		Corrupted: report.Corrupted,
	}
	if err != nil {
		resp.Failure = err.Error()
	}
	return respond(MsgVerifyChainResp, id, resp)
}

func (s *Server) handleResumeChain(ctx context.Context, id uint32, payload []byte) *Message {
	var req ResumeChainRequest
	if err := Decode(payload, &req); err != nil {
		return NewErrorMessage(id, ErrInvalidRequest, "malformed request payload")
	}
	caller, errMsg := operatorCaller(id, req.Operator)
	if errMsg != nil {
		return errMsg
	}

	if err := s.engine.ResumeChain(ctx, caller, caller.TenantID, req.Reason); err != nil {
		return errorFrame(id, err)
	}
	return respond(MsgResumeChainResp, id, &ResumeChainResponse{Resumed: true})
}

func (s *Server) handleExport(ctx context.Context, id uint32, payload []byte) *Message {
	var req ExportRequest
	if err := Decode(payload, &req); err != nil {
		return NewErrorMessage(id, ErrInvalidRequest, "malformed request payload")
	}
	caller, errMsg := operatorCaller(id, req.Operator)
	if errMsg != nil {
		return errMsg
	}

	var buf bytes.Buffer
	manifest, err := s.engine.Export(ctx, caller, &buf, req.FromSeq, req.ToSeq)
	if err != nil {
		return errorFrame(id, err)
	}
	return respond(MsgExportResp, id, &ExportResponse{
		TenantID:   manifest.TenantID,
		FromSeq:    manifest.FromSeq,
		ToSeq:      manifest.ToSeq,
		EventCount: manifest.EventCount,
		Archive:    buf.Bytes(),
	})
}

func (s *Server) handleReloadSchemas(ctx context.Context, id uint32, payload []byte) *Message {
	var req ReloadSchemasRequest
	if err := Decode(payload, &req); err != nil {
		return NewErrorMessage(id, ErrInvalidRequest, "malformed request payload")
	}
	caller, errMsg := operatorCaller(id, req.Operator)
	if errMsg != nil {
		return errMsg
	}

	forms, err := s.engine.ReloadSchemas(ctx, caller)
	if err != nil {
		return errorFrame(id, err)
	}
	return respond(MsgReloadSchemasResp, id, &ReloadSchemasResponse{Forms: forms})
}

func (s *Server) handleWithdrawConflict(ctx context.Context, id uint32, payload []byte) *Message {
	var req WithdrawConflictRequest
	if err := Decode(payload, &req); err != nil {
		return NewErrorMessage(id, ErrInvalidRequest, "malformed request payload")
	}
	caller, errMsg := operatorCaller(id, req.Operator)
	if errMsg != nil {
		return errMsg
	}

	withdrawn, err := s.engine.WithdrawConflict(ctx, caller, req.ConflictID)
	if err != nil {
		return errorFrame(id, err)
	}
	return respond(MsgWithdrawConflictResp, id, &WithdrawConflictResponse{Withdrawn: withdrawn})
}

// operatorCaller turns a request's operator stanza into an admin
// caller. The socket mode already decided the role; validation only
// checks the stanza is complete enough to audit.
func operatorCaller(id uint32, op Operator) (identity.Caller, *Message) {
	caller := identity.Caller{ActorID: op.ActorID, Role: identity.RoleAdmin, TenantID: op.TenantID}
	if err := caller.Validate(); err != nil {
		return identity.Caller{}, NewErrorMessage(id, ErrInvalidRequest, err.Error())
	}
	return caller, nil
}

// respond frames v, degrading to an error frame if it will not marshal.
func respond(msgType MessageType, id uint32, v any) *Message {
	msg, err := NewResponse(msgType, id, v)
	if err != nil {
		return NewErrorMessage(id, ErrInternal, err.Error())
	}
	return msg
}

// errorFrame maps the failure taxonomy onto protocol error codes.
func errorFrame(id uint32, err error) *Message {
	code := ErrInternal
	switch {
	case event.IsValidation(err):
		code = ErrValidation
	case event.IsAuthorization(err):
		code = ErrDenied
	case event.IsIntegrity(err):
		code = ErrIntegrity
	}
	return NewErrorMessage(id, code, err.Error())
}

// removeStaleSocket clears a leftover socket file from an unclean
// shutdown. Anything else at the path is someone else's file.
func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	return os.Remove(path)
}
