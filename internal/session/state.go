package session

// State is a session lifecycle state.
type State int32

const (
	StateInit State = iota
	StateProvisioning
	StateReady
	StateTerminating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateProvisioning:
		return "provisioning"
	case StateReady:
		return "ready"
	case StateTerminating:
		return "terminating"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason records which trigger ended a session.
type CloseReason string

const (
	ReasonConnectionClosed CloseReason = "connection_closed"
	ReasonIdleTimeout      CloseReason = "idle_timeout"
	ReasonStreamError      CloseReason = "stream_error"
	ReasonProcessExited    CloseReason = "process_exited"
	ReasonShutdown         CloseReason = "shutdown"
	ReasonCanceled         CloseReason = "canceled"
	ReasonProvisionFailed  CloseReason = "provision_failed"
	ReasonAttachFailed     CloseReason = "attach_failed"
)
