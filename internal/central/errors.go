package central

import (
	"errors"
	"fmt"
)

var (
	ErrPeerNotFound      = errors.New("central: peer not found")
	ErrInterfaceNotFound = errors.New("central: no interface for peer")
	ErrDisposed          = errors.New("central: disposed")
)

// Fault is the error type returned to callers of the public operations.
type Fault struct {
	Code    int
	Message string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s (%d)", f.Message, f.Code)
}

// Fault codes.
const (
	CodeSenderNotFound     = -2
	CodeReceiverNotFound   = -3
	CodeUnknownParamset    = -5
	CodeTeamNotFound       = -6
	CodeIsTeam             = -9
	CodeUnknownApplication = -32500
)

func fault(code int) *Fault {
	switch code {
	case CodeSenderNotFound:
		return &Fault{code, "Sender device not found."}
	case CodeReceiverNotFound:
		return &Fault{code, "Receiver device not found."}
	case CodeUnknownParamset:
		return &Fault{code, "Unknown parameter set."}
	case CodeTeamNotFound:
		return &Fault{code, "Team not found."}
	case CodeIsTeam:
		return &Fault{code, "Device is a team."}
	}
	return &Fault{CodeUnknownApplication, "Unknown application error."}
}

// asFault turns err into a Fault, keeping Faults as they are.
func asFault(err error) error {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return &Fault{CodeUnknownApplication, "Unknown application error: " + err.Error()}
}

// NewFault returns the Fault for code. Unknown codes become
// CodeUnknownApplication.
func NewFault(code int) *Fault { return fault(code) }

// AsFault turns err into a Fault, keeping Faults as they are.
func AsFault(err error) error { return asFault(err) }
