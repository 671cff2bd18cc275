package vkern

import "errors"

// Guest-facing validation errors. Guest software can legally probe invalid
// values, so these come back as result codes, never as panics.
var (
	ErrInvalidPriority     = errors.New("vkern: thread priority out of range")
	ErrInvalidCoreID       = errors.New("vkern: processor id out of range")
	ErrInvalidEntryAddress = errors.New("vkern: entry point is not a valid virtual address")
	ErrOutOfMemory         = errors.New("vkern: linear region exhausted")
	ErrNotMutexOwner       = errors.New("vkern: mutex released by non-owner thread")
	ErrSemaphoreLimit      = errors.New("vkern: semaphore release exceeds maximum count")
)
