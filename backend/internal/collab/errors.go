package collab

import "errors"

var (
	ErrSessionNotFound   = errors.New("SESSION_NOT_FOUND")
	ErrNotParticipant    = errors.New("NOT_A_PARTICIPANT")
	ErrAccessDenied      = errors.New("ACCESS_DENIED")
	ErrDispatcherClosed  = errors.New("DISPATCHER_CLOSED")
	ErrAcquireTimeout    = errors.New("Acquire Reach time limit")
	ErrReleaseUnacquired = errors.New("Release Failed, semaphore is not acquired")
)
