package common

import (
	"context"
	"net/http"
	"time"
)

// ConfigStore is the persistence surface the orchestrator consumes:
// connections, provider settings and renewal status records. The
// SQLite implementation lives in pkg/store; tests substitute an
// in-memory variant.
type ConfigStore interface {
	GetConnectionByID(ctx context.Context, id int64) (*Connection, error)
	// UpdateConnection applies the given column/value pairs to the
	// connection record.
	UpdateConnection(ctx context.Context, id int64, fields map[string]any) error
	GetSettingsByProvider(ctx context.Context, provider string) (map[string]string, error)
	SaveRenewalStatus(ctx context.Context, status *RenewalStatus) error
	GetRenewalStatus(ctx context.Context, id string) (*RenewalStatus, error)
	// ListUnfinishedRenewalStatuses returns every persisted status
	// still in a non-terminal state; used for crash recovery.
	ListUnfinishedRenewalStatuses(ctx context.Context) ([]*RenewalStatus, error)
}

// HTTPClient allows mocking HTTP requests in tests and supports
// context cancellation through the request.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// SSHRunner executes commands on target devices over SSH. Implemented
// by pkg/sshrunner; the orchestrator only needs these two calls.
type SSHRunner interface {
	TestConnection(ctx context.Context, host, user, password string) error
	ExecuteCommand(ctx context.Context, host, user, password, command string, timeout time.Duration) (string, error)
}

var _ HTTPClient = (*http.Client)(nil)
