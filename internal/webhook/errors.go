package webhook

import "errors"

var (
	// ErrQueueFull indicates the dispatcher cannot accept new replies right now.
	ErrQueueFull = errors.New("reply queue is full")
	// ErrQueueClosed indicates the dispatcher has been shut down.
	ErrQueueClosed = errors.New("reply queue is closed")
)
