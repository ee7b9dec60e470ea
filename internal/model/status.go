package model

import "fmt"

// StatusCode is the fixed result taxonomy shared by every runner operation.
type StatusCode uint8

// Status codes. Numeric values and spellings are part of the external
// contract.
const (
	Success StatusCode = iota
	Failure
	InvalidInput
	InvalidOutput
	OutOfMemory
	RuntimeError
	Timeout
	DeviceError
)

var statusCodeNames = []string{
	"SUCCESS", "FAILURE", "INVALID_INPUT", "INVALID_OUTPUT",
	"OUT_OF_MEMORY", "RUNTIME_ERROR", "TIMEOUT", "DEVICE_ERROR",
}

func (s StatusCode) String() string {
	if int(s) < len(statusCodeNames) {
		return statusCodeNames[s]
	}
	return fmt.Sprintf("STATUS(%d)", uint8(s))
}

func (s StatusCode) MarshalText() ([]byte, error) {
	if int(s) >= len(statusCodeNames) {
		return nil, fmt.Errorf("invalid status code %d", uint8(s))
	}
	return []byte(statusCodeNames[s]), nil
}

func (s *StatusCode) UnmarshalText(b []byte) error {
	for i, name := range statusCodeNames {
		if name == string(b) {
			*s = StatusCode(i)
			return nil
		}
	}
	return fmt.Errorf("unknown status code %q", b)
}

// JobStatus is the lifecycle state of an asynchronous job.
type JobStatus string

// Job status constants.
const (
	JobSubmitFailed JobStatus = "SUBMIT_FAILED"
	JobPending      JobStatus = "PENDING"
	JobRunning      JobStatus = "RUNNING"
	JobSucceeded    JobStatus = "SUCCEEDED"
	JobFailed       JobStatus = "FAILED"
	JobTimedOut     JobStatus = "TIMED_OUT"
)

// Terminal reports whether no further transition can occur from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSubmitFailed, JobSucceeded, JobFailed, JobTimedOut:
		return true
	}
	return false
}

// validTransitions maps each status to the set of statuses it may transition to.
// A pending job can fail or time out before it ever acquires the device.
var validTransitions = map[JobStatus]map[JobStatus]bool{
	JobPending: {
		JobRunning:  true,
		JobFailed:   true,
		JobTimedOut: true,
	},
	JobRunning: {
		JobSucceeded: true,
		JobFailed:    true,
		JobTimedOut:  true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to JobStatus) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// JobStatusFor maps a terminal result code to the job status that records it.
func JobStatusFor(code StatusCode) JobStatus {
	switch code {
	case Success:
		return JobSucceeded
	case Timeout:
		return JobTimedOut
	default:
		return JobFailed
	}
}
