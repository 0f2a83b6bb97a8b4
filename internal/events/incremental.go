package events

import "time"

// PublishStart is emitted when a publisher folds its drivers' initial
// results and begins delivering payloads.
type PublishStart struct {
	Publisher int64
	Drivers   int
}

// PayloadPublished is emitted for every payload handed to the
// consumer.
type PayloadPublished struct {
	Publisher int64
	HasNext   bool
}

// FragmentCompleted is emitted when a deferred fragment boundary
// resolves, successfully or not.
type FragmentCompleted struct {
	Publisher int64
	Label     string
	Path      string
	Failed    bool
}

// StreamCompleted is emitted when a stream terminates.
type StreamCompleted struct {
	Publisher int64
	Label     string
	Path      string
	Items     int
	Failed    bool
}

// PublishFinish is emitted when a publisher terminates, whether it
// drained every region, was abandoned early, or failed.
type PublishFinish struct {
	Publisher int64
	Payloads  int
	Err       error
	Duration  time.Duration
}
