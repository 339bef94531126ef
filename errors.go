package cloudtaskmq

import "errors"

// ErrUnknownQueue is returned when an operation references a queue that was not configured.
var ErrUnknownQueue = errors.New("cloudtaskmq: unknown queue")

// ErrTaskNotFound is returned when a task with the specified ID is not found.
var ErrTaskNotFound = errors.New("cloudtaskmq: task not found")

// ErrDuplicateTask is returned when a uniqueness key is already held by a live task.
var ErrDuplicateTask = errors.New("cloudtaskmq: duplicate uniqueness key")

// ErrAlreadyProcessing is returned when a delivery arrives for a task that this
// process is already executing.
var ErrAlreadyProcessing = errors.New("cloudtaskmq: task is already being processed")

// ErrTaskFinal is returned when a delivery arrives for a task that already
// reached a terminal state.
var ErrTaskFinal = errors.New("cloudtaskmq: task already in terminal state")

// ErrRateLimited is returned when a rate-limit window denies a request.
var ErrRateLimited = errors.New("cloudtaskmq: rate limit exceeded")

// ErrNoHandler indicates no registered handler matches the delivered task.
var ErrNoHandler = errors.New("cloudtaskmq: no handler registered")

// ErrInvalidRegistration is returned when a processor registration lacks a
// queue name or a process function.
var ErrInvalidRegistration = errors.New("cloudtaskmq: invalid processor registration")

// ErrInvalidProgress reports an invalid progress value. The engine does not
// return it: UpdateTaskProgress clamps any percentage to 0..100.
var ErrInvalidProgress = errors.New("cloudtaskmq: invalid progress value")

// ErrUnknownStatus is returned when an invalid task status is used.
var ErrUnknownStatus = errors.New("cloudtaskmq: unknown task status")

// ErrEngineClosed is returned for operations on an engine after Close.
var ErrEngineClosed = errors.New("cloudtaskmq: engine is closed")
