package realtime

import "errors"

var (
	ErrInvalidIdentity   = errors.New("connection requires a user id and role")
	ErrInvalidCredential = errors.New("credential rejected")
	ErrCapacityExceeded  = errors.New("connection limit reached")
	ErrUnknownConnection = errors.New("connection not registered")

	ErrMalformedMessage = errors.New("malformed message")
	ErrMalformedEvent   = errors.New("malformed event")
	ErrInvalidTopic     = errors.New("invalid topic")
	ErrTooManyTopics    = errors.New("subscription limit reached")

	ErrTransportSend   = errors.New("transport send failed")
	ErrTransportClosed = errors.New("transport closed")
)
