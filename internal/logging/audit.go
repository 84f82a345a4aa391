package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// AuditEventType names the category of an audit record.
type AuditEventType string

// Every security-relevant decision the daemon makes lands in the audit
// trail under one of these.
const (
	AuditEventDenial       AuditEventType = "authorization_denial"
	AuditEventAdminRead    AuditEventType = "admin_read"
	AuditEventConflict     AuditEventType = "conflict_detected"
	AuditEventResolution   AuditEventType = "conflict_resolved"
	AuditEventChainHalt    AuditEventType = "chain_halt"
	AuditEventChainResume  AuditEventType = "chain_resume"
	AuditEventDeliverySkip AuditEventType = "delivery_skip"
	AuditEventExport       AuditEventType = "export"
	AuditEventVerification AuditEventType = "verification"
	AuditEventSchemaReload AuditEventType = "schema_reload"
	AuditEventConfigChange AuditEventType = "config_change"
	AuditEventStartup      AuditEventType = "startup"
	AuditEventShutdown     AuditEventType = "shutdown"
)

// AuditEvent is one line of the audit trail, written as JSON so the
// trail greps and ships cleanly. Result is "success", "failure", or
// "denied".
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType AuditEventType `json:"event_type"`
	Component string         `json:"component"`
	TenantID  string         `json:"tenant_id,omitempty"`
	ActorID   string         `json:"actor_id,omitempty"`
	ActorRole string         `json:"actor_role,omitempty"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource,omitempty"`
	Result    string         `json:"result"`
	Error     string         `json:"error,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// AuditLoggerConfig locates and bounds the audit trail file.
type AuditLoggerConfig struct {
	// FilePath is the audit log file. Required.
	FilePath string

	// MaxSize is the rotation threshold in megabytes. Zero means 50.
	MaxSize int64

	// MaxBackups caps rotated segments. Zero keeps all of them.
	MaxBackups int

	// Component tags every record.
	Component string
}

// AuditLogger writes the append-only audit trail. Unlike the app log,
// segments are never age-pruned and stay uncompressed: the trail is
// evidence for trial monitors and has to remain directly inspectable.
type AuditLogger struct {
	mu        sync.Mutex
	component string
	sink      *Rotator
}

// NewAuditLogger opens the audit trail at cfg.FilePath.
func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil || cfg.FilePath == "" {
		return nil, fmt.Errorf("audit trail requires a file path")
	}
	maxBytes := cfg.MaxSize << 20
	if maxBytes <= 0 {
		maxBytes = 50 << 20
	}
	sink, err := NewRotator(cfg.FilePath, RotatorOptions{
		MaxBytes:   maxBytes,
		MaxBackups: cfg.MaxBackups,
	})
	if err != nil {
		return nil, fmt.Errorf("open audit trail: %w", err)
	}
	component := cfg.Component
	if component == "" {
		component = "diaryd"
	}
	return &AuditLogger{component: component, sink: sink}, nil
}

// Log appends one event to the trail, stamping the time, component,
// and the request id riding ctx when the caller left them unset.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Component == "" {
		event.Component = a.component
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	line = append(line, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.sink.Write(line); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// Close closes the audit trail file.
func (a *AuditLogger) Close() error {
	return a.sink.Close()
}

// LogDenial records a request rejected by the access policy.
func (a *AuditLogger) LogDenial(ctx context.Context, tenant, actorID, role, action, resource, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventDenial,
		TenantID:  tenant,
		ActorID:   actorID,
		ActorRole: role,
		Action:    action,
		Resource:  resource,
		Result:    "denied",
		Details:   map[string]any{"reason": reason},
	})
}

// LogAdminRead records an administrative read of subject data.
func (a *AuditLogger) LogAdminRead(ctx context.Context, tenant, actorID, action, resource string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventAdminRead,
		TenantID:  tenant,
		ActorID:   actorID,
		ActorRole: "admin",
		Action:    action,
		Resource:  resource,
		Result:    "success",
	})
}

// LogConflict records a write rejected by the lineage check.
func (a *AuditLogger) LogConflict(ctx context.Context, tenant, actorID, role, subject, stream string, claimed, actual int64) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventConflict,
		TenantID:  tenant,
		ActorID:   actorID,
		ActorRole: role,
		Action:    "write_rejected",
		Resource:  subject,
		Result:    "failure",
		Details: map[string]any{
			"stream":      stream,
			"claimed_seq": claimed,
			"actual_seq":  actual,
		},
	})
}

// LogResolution records the closing of a conflict record.
func (a *AuditLogger) LogResolution(ctx context.Context, tenant, actorID, subject, resolution string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventResolution,
		TenantID:  tenant,
		ActorID:   actorID,
		Action:    "conflict_resolved",
		Resource:  subject,
		Result:    "success",
		Details:   map[string]any{"resolution": resolution},
	})
}

// LogChainHalt records a tenant chain halted after an integrity
// failure.
func (a *AuditLogger) LogChainHalt(ctx context.Context, tenant, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventChainHalt,
		TenantID:  tenant,
		Action:    "chain_halted",
		Resource:  tenant,
		Result:    "failure",
		Details:   map[string]any{"reason": reason},
	})
}

// LogChainResume records an operator resuming a halted tenant chain.
func (a *AuditLogger) LogChainResume(ctx context.Context, tenant, actorID, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventChainResume,
		TenantID:  tenant,
		ActorID:   actorID,
		Action:    "chain_resumed",
		Resource:  tenant,
		Result:    "success",
		Details:   map[string]any{"reason": reason},
	})
}

// LogDeliverySkip records an operator bypassing a stuck delivery.
func (a *AuditLogger) LogDeliverySkip(ctx context.Context, tenant, actorID, target string, sequence int64, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventDeliverySkip,
		TenantID:  tenant,
		ActorID:   actorID,
		Action:    "delivery_skipped",
		Resource:  target,
		Result:    "success",
		Details: map[string]any{
			"sequence_id": sequence,
			"reason":      reason,
		},
	})
}

// LogExport records an archive export.
func (a *AuditLogger) LogExport(ctx context.Context, tenant, actorID string, from, to int64, events int64) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventExport,
		TenantID:  tenant,
		ActorID:   actorID,
		Action:    "archive_exported",
		Resource:  tenant,
		Result:    "success",
		Details: map[string]any{
			"from_seq": from,
			"to_seq":   to,
			"events":   events,
		},
	})
}

// LogVerification records a chain verification walk.
func (a *AuditLogger) LogVerification(ctx context.Context, tenant string, clean bool, details map[string]any) error {
	result := "success"
	if !clean {
		result = "failure"
	}
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventVerification,
		TenantID:  tenant,
		Action:    "chain_verified",
		Resource:  tenant,
		Result:    result,
		Details:   details,
	})
}

// LogSchemaReload records a hot reload of the payload schema set.
func (a *AuditLogger) LogSchemaReload(ctx context.Context, forms int, err error) error {
	event := AuditEvent{
		EventType: AuditEventSchemaReload,
		Action:    "schemas_reloaded",
		Result:    "success",
		Details:   map[string]any{"forms": forms},
	}
	if err != nil {
		event.Result = "failure"
		event.Error = err.Error()
	}
	return a.Log(ctx, event)
}

// LogConfigChange records a setting applied from a config reload.
func (a *AuditLogger) LogConfigChange(ctx context.Context, setting, oldValue, newValue string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventConfigChange,
		Action:    "config_changed",
		Resource:  setting,
		Result:    "success",
		Details: map[string]any{
			"old_value": oldValue,
			"new_value": newValue,
		},
	})
}

// LogStartup records a daemon startup.
func (a *AuditLogger) LogStartup(ctx context.Context, version string, details map[string]any) error {
	if details == nil {
		details = make(map[string]any)
	}
	details["version"] = version
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventStartup,
		Action:    "daemon_started",
		Result:    "success",
		Details:   details,
	})
}

// LogShutdown records a daemon shutdown and why it happened.
func (a *AuditLogger) LogShutdown(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventShutdown,
		Action:    "daemon_stopped",
		Result:    "success",
		Details:   map[string]any{"reason": reason},
	})
}
