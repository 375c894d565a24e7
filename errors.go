package discordvoice

import (
	"errors"
	"fmt"

	"github.com/opd-ai/discordvoice/signaling"
)

// StateError reports an operation attempted in a lifecycle state that does
// not allow it. It is returned without blocking.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s while session is %s", e.Op, e.State)
}

// ErrRetriesExhausted is the fatal error surfaced after the reconnect
// budget runs out.
var ErrRetriesExhausted = errors.New("reconnect attempts exhausted")

// IsFatal reports whether err must not be retried: authentication
// rejections, server-side kicks and an exhausted reconnect budget.
func IsFatal(err error) bool {
	var ne *signaling.NegotiationError
	if errors.As(err, &ne) && ne.Fatal {
		return true
	}
	return errors.Is(err, ErrRetriesExhausted)
}
