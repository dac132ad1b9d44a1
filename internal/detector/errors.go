package detector

import (
	"errors"
	"fmt"
)

// ErrStaleSnapshot marks a cycle that was superseded by a fresher snapshot.
// It is never surfaced to collaborators.
var ErrStaleSnapshot = errors.New("snapshot superseded by a fresher cycle")

// InputError describes a malformed or out-of-order trade that was skipped.
type InputError struct {
	TradeID string
	Reason  string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("trade %q skipped: %s", e.TradeID, e.Reason)
}

// InsufficientDataError is returned by a stage whose window is too small to
// produce a meaningful result. It is not fatal: the stage contributes nothing.
type InsufficientDataError struct {
	Stage string
	Have  int
	Need  int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("%s: insufficient data (have %d, need %d)", e.Stage, e.Have, e.Need)
}
