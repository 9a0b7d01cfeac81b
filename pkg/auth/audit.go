package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tracker/pkg/contextkeys"
)

// AuditEvent is a single security-relevant auth event
type AuditEvent struct {
	Action     string
	Status     string
	IdentityID string
	Email      string
	IPAddress  string
	Reason     string
	CreatedAt  time.Time
}

// Common audit action constants
const (
	ActionRegister       = "auth.register"
	ActionLogin          = "auth.login"
	ActionLockout        = "auth.lockout"
	ActionRefresh        = "auth.refresh"
	ActionLogout         = "auth.logout"
	ActionLogoutAll      = "auth.logout_all"
	ActionPasswordChange = "auth.password_change"
	ActionUnlock         = "auth.unlock"
	ActionActivate       = "account.activate"
	ActionDeactivate     = "account.deactivate"
	ActionRoleChange     = "account.role_change"
)

// Status constants
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusDenied  = "denied"
)

// AuditLogger writes the security audit trail as structured log entries
type AuditLogger struct {
	logger logrus.FieldLogger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger logrus.FieldLogger) *AuditLogger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AuditLogger{logger: logger.WithField("component", "audit")}
}

// Record validates and emits an audit event
func (al *AuditLogger) Record(ctx context.Context, event *AuditEvent) error {
	if event.Action == "" {
		return fmt.Errorf("action is required")
	}
	if event.Status == "" {
		return fmt.Errorf("status is required")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	fields := logrus.Fields{
		"action": event.Action,
		"status": event.Status,
	}
	if event.IdentityID != "" {
		fields["identity_id"] = event.IdentityID
	}
	if event.Email != "" {
		fields["email"] = event.Email
	}
	if event.IPAddress != "" {
		fields["ip"] = event.IPAddress
	}
	if event.Reason != "" {
		fields["reason"] = event.Reason
	}
	if requestID := contextkeys.GetRequestID(ctx); requestID != "" {
		fields["request_id"] = requestID
	}

	entry := al.logger.WithFields(fields)
	if event.Status == StatusSuccess {
		entry.Info("audit")
	} else {
		entry.Warn("audit")
	}
	return nil
}
