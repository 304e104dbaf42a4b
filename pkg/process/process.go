// Package process implements Tangram's identity-addressed, mutable
// process records (§3.3): the status machine, heartbeat freshness, and
// the command/error/log/output/children fields the Index tracks
// aggregates for.
package process

import (
	"time"

	"tangram.dev/tangram/pkg/id"
	"tangram.dev/tangram/pkg/terror"
	"tangram.dev/tangram/pkg/value"
)

// Status is a point in the process status machine. Status only ever
// advances created -> enqueued -> started -> finished (§3.4).
type Status int

const (
	Created Status = iota
	Enqueued
	Started
	Finished
)

func (s Status) String() string {
	switch s {
	case Created:
		return "created"
	case Enqueued:
		return "enqueued"
	case Started:
		return "started"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// ChildKind tags which of a process's four tracked children an edge
// refers to, matching the Index's per-kind stored flags and aggregates.
type ChildKind string

const (
	ChildCommand ChildKind = "command"
	ChildError   ChildKind = "error"
	ChildLog     ChildKind = "log"
	ChildOutput  ChildKind = "output"
)

// ErrorInfo is the rendered form of a process failure, stored alongside
// the process record (not as a terror.Error, since it must persist
// across process boundaries and serialize into the value tree).
type ErrorInfo struct {
	Code    terror.Code
	Message string
}

// Process is a mutable, identity-addressed record of a spawned command
// invocation (§3.3).
type Process struct {
	ID            id.ID
	Command       id.ID
	Error         *ErrorInfo
	Log           *id.ID
	Output        *value.Value
	Children      []id.ID
	Status        Status
	Exit          *int
	LastHeartbeat time.Time
	Cacheable     bool
}

// New creates a process in the Created status for the given command.
func New(command id.ID, cacheable bool) *Process {
	return &Process{
		ID:        id.NewIdentity(id.KindProcess),
		Command:   command,
		Status:    Created,
		Cacheable: cacheable,
	}
}

// transitions maps each status to the single status it may advance to.
var transitions = map[Status]Status{
	Created:  Enqueued,
	Enqueued: Started,
	Started:  Finished,
}

// Advance moves the process to the next status, enforcing monotonicity.
func (p *Process) Advance(target Status) error {
	next, ok := transitions[p.Status]
	if !ok || next != target {
		return terror.New(terror.Invalid, "process %s cannot advance from %s to %s", p.ID, p.Status, target).
			With("from", p.Status.String()).
			With("to", target.String())
	}
	p.Status = target
	return nil
}

// Heartbeat records a liveness pulse from the running sandbox.
func (p *Process) Heartbeat(now time.Time) error {
	if p.Status != Started {
		return terror.New(terror.Invalid, "process %s is not started", p.ID)
	}
	p.LastHeartbeat = now
	return nil
}

// HeartbeatExpired reports whether a started process's last heartbeat
// predates now by more than ttl (§3.4, §4.6).
func (p *Process) HeartbeatExpired(now time.Time, ttl time.Duration) bool {
	return p.Status == Started && now.Sub(p.LastHeartbeat) > ttl
}

// Finish finalizes a started process with its exit code, optional
// error, output, and log, transitioning it to Finished. After Finish a
// process is immutable (§3.5).
func (p *Process) Finish(exit int, errInfo *ErrorInfo, output *value.Value, log *id.ID) error {
	if err := p.Advance(Finished); err != nil {
		return err
	}
	p.Exit = &exit
	p.Error = errInfo
	p.Output = output
	p.Log = log
	return nil
}

// AppendChild records a child process referent in spawn order.
func (p *Process) AppendChild(child id.ID) {
	p.Children = append(p.Children, child)
}

// ObjectReferents returns every object ID a process's command, error
// rendering, log, and output may reference, for Index edge enqueueing
// on finish (§4.6: "enqueue an ObjectChild edge for every object
// referenced by output/error/log/command").
func (p *Process) ObjectReferents() []id.ID {
	refs := []id.ID{p.Command}
	if p.Log != nil {
		refs = append(refs, *p.Log)
	}
	if p.Output != nil {
		refs = append(refs, collectObjectIDs(*p.Output)...)
	}
	return refs
}

func collectObjectIDs(v value.Value) []id.ID {
	var ids []id.ID
	switch v.Kind {
	case value.KindString:
		if parsed, err := id.Parse(v.Str); err == nil {
			ids = append(ids, parsed)
		}
	case value.KindArray, value.KindTemplate:
		for _, e := range v.Array {
			ids = append(ids, collectObjectIDs(e)...)
		}
	case value.KindMap, value.KindMutation, value.KindObject:
		for _, f := range v.Map {
			ids = append(ids, collectObjectIDs(f)...)
		}
	}
	return ids
}
