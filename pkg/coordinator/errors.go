package coordinator

import "errors"

// ErrNotInitialized means a control or data operation was attempted
// before InitInitiator or InitResponder completed.
var ErrNotInitialized = errors.New("coordinator: not initialized")
