// Package stream defines the StreamEvent tagged union and Bus, a bounded,
// single-producer multi-consumer fan-out for it. The Process Runner and
// plugins deliver events on plain channels and the orchestrator forwards
// them to its Sink; no Bus is constructed outside this package's tests.
package stream

import "time"

// Phase identifies which leg of CHECK -> DOWNLOAD -> EXECUTE an event
// belongs to.
type Phase int

const (
	PhaseCheck Phase = iota
	PhaseDownload
	PhaseExecute
)

func (p Phase) String() string {
	switch p {
	case PhaseCheck:
		return "CHECK"
	case PhaseDownload:
		return "DOWNLOAD"
	case PhaseExecute:
		return "EXECUTE"
	default:
		return "UNKNOWN"
	}
}

// Channel identifies which child stream (stdout/stderr) produced an Output
// event.
type Channel int

const (
	ChannelStdout Channel = iota
	ChannelStderr
)

func (c Channel) String() string {
	if c == ChannelStderr {
		return "stderr"
	}
	return "stdout"
}

// Kind tags the concrete type carried by an Event.
type Kind int

const (
	KindOutput Kind = iota
	KindProgress
	KindPhaseStart
	KindPhaseEnd
	KindError
	KindCompletion
)

// Event is the sum type every consumer pattern-matches on. It is
// deliberately an interface with an unexported marker, not a loose
// map/dictionary, so a missing case in a type switch is visible at review
// time rather than silently dropped.
type Event interface {
	Kind() Kind
	At() time.Time
	event()
}

type base struct {
	Timestamp time.Time
}

func (b base) At() time.Time { return b.Timestamp }
func (b base) event()        {}

// Output is one line of child stdout/stderr that wasn't recognized as a
// PROGRESS: sub-protocol line.
type Output struct {
	base
	Channel Channel
	Line    string
}

func (Output) Kind() Kind { return KindOutput }

// NewOutput builds an Output event stamped with the current time.
func NewOutput(ch Channel, line string) Output {
	return Output{base: base{Timestamp: time.Now()}, Channel: ch, Line: line}
}

// Progress is a plugin-reported progress update, either parsed from a
// PROGRESS: line or synthesized by the phase machine.
type Progress struct {
	base
	Phase      Phase
	Percent    *float64
	Message    string
	BytesDone  *int64
	BytesTotal *int64
	ItemsDone  *int64
	ItemsTotal *int64
}

func (Progress) Kind() Kind { return KindProgress }

// PhaseStart marks the beginning of a phase.
type PhaseStart struct {
	base
	Phase Phase
}

func (PhaseStart) Kind() Kind { return KindPhaseStart }

// PhaseEnd marks the end of a phase, nested with its PhaseStart.
type PhaseEnd struct {
	base
	Phase   Phase
	Success bool
	Error   string
}

func (PhaseEnd) Kind() Kind { return KindPhaseEnd }

// Error is a diagnostic event that does not itself end the stream (e.g. a
// slow-consumer warning); a failed run still ends in Completion.
type Error struct {
	base
	Message string
}

func (Error) Kind() Kind { return KindError }

// Completion is always the last event delivered for a plugin execution.
type Completion struct {
	base
	Success         bool
	ExitCode        int
	PackagesUpdated int
	Error           string
}

func (Completion) Kind() Kind { return KindCompletion }

// NewCompletion builds a Completion event stamped with the current time.
func NewCompletion(success bool, exitCode, packagesUpdated int, errMsg string) Completion {
	return Completion{
		base:            base{Timestamp: time.Now()},
		Success:         success,
		ExitCode:        exitCode,
		PackagesUpdated: packagesUpdated,
		Error:           errMsg,
	}
}
