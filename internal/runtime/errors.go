package runtime

import "errors"

// ErrClosed is returned after Shutdown.
var ErrClosed = errors.New("runtime is shut down")
