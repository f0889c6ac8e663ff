package bus

import "errors"

var (
	// ErrBrokerDisconnected is returned when no channel could be obtained.
	ErrBrokerDisconnected = errors.New("broker disconnected")
	// ErrPublishUnconfirmed is returned when the broker nacked a publish or the
	// channel died before confirming it.
	ErrPublishUnconfirmed = errors.New("publish not confirmed by broker")
	// ErrHandlerFailure marks deliveries whose handler returned an error or
	// panicked.
	ErrHandlerFailure = errors.New("message handler failed")
	ErrClosed         = errors.New("bus client closed")
)
