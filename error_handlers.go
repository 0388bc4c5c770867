package svccore

// errorHooks holds the user-provided handlers shared by the background loops.
type errorHooks struct {
	onDispatch func(error)
	onInternal func(error)
}

func newErrorHooks(o Options) errorHooks {
	return errorHooks{onDispatch: o.OnDispatchError, onInternal: o.OnInternalError}
}

// reportInternalError reports a failure of the loop itself, such as a panic
// while accessing its queue. If no handler is registered, the error is
// silently ignored.
func (h errorHooks) reportInternalError(e error) {
	if h.onInternal != nil {
		h.onInternal(e)
	}
}

// reportDispatchError reports an error returned by the inserter or a
// scheduled callable.
//
// Dispatch errors never stop the loop that produced them.
func (h errorHooks) reportDispatchError(err error) {
	if h.onDispatch != nil {
		h.onDispatch(err)
	}
}
