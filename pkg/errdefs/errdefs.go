// Package errdefs defines the error taxonomy shared by the lifecycle manager,
// the connection layer and the dispatch client and server.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrProvisioning     = errors.New("provisioning failed")
	ErrUnreachable      = errors.New("cluster unreachable")
	ErrConnectionLost   = errors.New("connection lost")
	ErrAuth             = errors.New("authentication failed")
	ErrResourceNotFound = errors.New("resource not found")
	ErrRemoteExecution  = errors.New("remote execution failed")
	ErrTimeout          = errors.New("timed out")
	ErrStatusConflict   = errors.New("status conflict")
	ErrInvalidArgument  = errors.New("invalid argument")
)

// ProvisioningReason classifies a provider failure
type ProvisioningReason string

const (
	ReasonTransient     ProvisioningReason = "transient"
	ReasonQuota         ProvisioningReason = "quota"
	ReasonCredentials   ProvisioningReason = "credentials"
	ReasonInvalidConfig ProvisioningReason = "invalid-config"
	ReasonTimeout       ProvisioningReason = "timeout"
)

// ProvisioningError reports that a provider could not create or reach an instance
type ProvisioningError struct {
	Cluster string
	Reason  ProvisioningReason
	Err     error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning %s failed (%s): %v", e.Cluster, e.Reason, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

func (e *ProvisioningError) Is(target error) bool { return target == ErrProvisioning }

// Fatal reports whether retrying cannot help
func (e *ProvisioningError) Fatal() bool {
	return e.Reason != ReasonTransient
}

// NewProvisioningError wraps err with a cluster and reason
func NewProvisioningError(cluster string, reason ProvisioningReason, err error) *ProvisioningError {
	return &ProvisioningError{Cluster: cluster, Reason: reason, Err: err}
}

// IsFatalProvisioning reports whether err is a non-retryable provisioning error
func IsFatalProvisioning(err error) bool {
	var pe *ProvisioningError
	return errors.As(err, &pe) && pe.Fatal()
}

// RemoteError is an exception raised by resource code on a cluster,
// carried back as data in a result envelope.
type RemoteError struct {
	Type      string
	Message   string
	Traceback string
}

func (e *RemoteError) Error() string {
	if e.Type == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Is matches ErrRemoteExecution, and ErrResourceNotFound or ErrAuth when the
// remote side reported one of those.
func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrRemoteExecution:
		return true
	case ErrResourceNotFound:
		return e.Type == TypeResourceNotFound
	case ErrAuth:
		return e.Type == TypeAuth
	}
	return false
}

// Error type names carried in result envelopes
const (
	TypeResourceNotFound = "ResourceNotFound"
	TypeAuth             = "AuthError"
	TypeSerialization    = "SerializationError"
	TypeInvalidArgument  = "InvalidArgument"
	TypeCancelled        = "Cancelled"
	TypePanic            = "Panic"
	TypeExecution        = "RemoteExecutionError"
)

// Exit codes used by the CLI
const (
	ExitOK               = 0
	ExitGeneric          = 1
	ExitProvisioning     = 2
	ExitUnreachable      = 3
	ExitAuth             = 4
	ExitResourceNotFound = 5
	ExitRemoteExecution  = 6
	ExitTimeout          = 7
	ExitNotFound         = 8
)

// ExitCode maps an error to the CLI exit code for its category
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrAuth):
		return ExitAuth
	case errors.Is(err, ErrResourceNotFound):
		return ExitResourceNotFound
	case errors.Is(err, ErrProvisioning):
		return ExitProvisioning
	case errors.Is(err, ErrUnreachable), errors.Is(err, ErrConnectionLost):
		return ExitUnreachable
	case errors.Is(err, ErrRemoteExecution):
		return ExitRemoteExecution
	case errors.Is(err, ErrTimeout):
		return ExitTimeout
	case errors.Is(err, ErrNotFound):
		return ExitNotFound
	default:
		return ExitGeneric
	}
}

// Category names the error class printed on stderr
func Category(err error) string {
	switch ExitCode(err) {
	case ExitOK:
		return ""
	case ExitAuth:
		return "auth"
	case ExitResourceNotFound:
		return "resource-not-found"
	case ExitProvisioning:
		return "provisioning"
	case ExitUnreachable:
		if errors.Is(err, ErrConnectionLost) {
			return "connection-lost"
		}
		return "unreachable"
	case ExitRemoteExecution:
		return "remote-execution"
	case ExitTimeout:
		return "timeout"
	case ExitNotFound:
		return "not-found"
	default:
		return "error"
	}
}
