package modem

import (
	"errors"
	"fmt"

	"i4.energy/across/tracker/at"
)

var (
	// ErrNoDialer is returned when a Modem is constructed without a Dialer.
	//
	// This indicates a configuration error. A Dialer is required in order to
	// establish a connection to the modem.
	ErrNoDialer = errors.New("no dialer configured")

	// ErrNoBoard is returned by power operations when the Modem was built
	// without a Board to drive the power key and supply rail.
	ErrNoBoard = errors.New("no board configured")

	// ErrNotInitialized is returned when the Dialer hands back no Transport.
	ErrNotInitialized = errors.New("modem not initialized")

	// ErrAlreadyClosed is returned when an operation is attempted on, or
	// Close is called on, a Modem that has already been closed.
	ErrAlreadyClosed = errors.New("modem already closed")

	// ErrSIMPinRequired is returned when the SIM card asks for a PIN and no
	// PIN was provided.
	//
	// Callers may handle this error specially (for example, by prompting
	// the user for a PIN) and retry with SendPIN.
	ErrSIMPinRequired = errors.New("SIM PIN required")

	// ErrTimeout is returned when the modem did not answer in time. For
	// commands this means every transmission went unanswered; for raw reads
	// it means the line stayed idle longer than the allowed timeout.
	ErrTimeout = errors.New("modem timeout")

	// ErrFail is returned when the modem completed a command with FAIL,
	// BUSY or NO ANSWER.
	ErrFail = errors.New("modem reported failure")

	// ErrRejected is returned when the modem completed a command with
	// ERROR, +CME ERROR or +CMS ERROR.
	ErrRejected = errors.New("modem rejected command")

	// ErrReset is returned by a Transport read that was abandoned because
	// the input buffer was reset underneath it. Any partial line is lost.
	ErrReset = errors.New("input buffer reset")

	// ErrClosed is returned by Transport operations after Close.
	ErrClosed = errors.New("transport closed")

	// ErrNotReady is returned when the modem reached a terminal error state
	// (for example no SIM) while a caller was waiting for the network.
	ErrNotReady = errors.New("modem not ready")

	// ErrBadResponse is returned when the modem answered with a line that
	// could not be parsed.
	ErrBadResponse = errors.New("unexpected modem response")

	// ErrNoSocket is returned by DialTCP when every connection slot of the
	// modem's IP stack is in use.
	ErrNoSocket = errors.New("no free socket")

	// ErrSocketClosed is returned by writes to a Socket closed by either end.
	ErrSocketClosed = errors.New("socket closed")
)

// ReplyError describes a command that did not complete with OK.
type ReplyError struct {
	Command string
	Reply   at.Reply
	// Line is the final result line as received, for logging.
	Line string
}

func (e *ReplyError) Error() string {
	if e.Line != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Command, e.Reply, e.Line)
	}
	return fmt.Sprintf("%s: %s", e.Command, e.Reply)
}

// Is makes ReplyError match ErrTimeout, ErrFail or ErrRejected.
func (e *ReplyError) Is(target error) bool {
	switch e.Reply {
	case at.ReplyTimeout:
		return target == ErrTimeout
	case at.ReplyFail:
		return target == ErrFail
	case at.ReplyError:
		return target == ErrRejected
	}
	return false
}

// ReplyOf maps an error returned by the command engine back to its reply
// code. A nil error is ReplyOK; errors unrelated to the modem's answer are
// reported as ReplyError.
func ReplyOf(err error) at.Reply {
	var re *ReplyError
	switch {
	case err == nil:
		return at.ReplyOK
	case errors.As(err, &re):
		return re.Reply
	case errors.Is(err, ErrTimeout):
		return at.ReplyTimeout
	case errors.Is(err, ErrFail):
		return at.ReplyFail
	default:
		return at.ReplyError
	}
}
