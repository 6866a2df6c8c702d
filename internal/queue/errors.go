package queue

import "errors"

// ErrDisposed is returned by a Manager after Dispose.
var ErrDisposed = errors.New("queue: disposed")
