package txn

import "errors"

// ErrSessionLimit reports that every session slot is taken.
var ErrSessionLimit = errors.New("txn: no free session slot")
