/*
Package session maps external conversations to durable pipeline threads.

A Manager owns the session lifecycle: CreateSession seeds a thread with an
empty record, Submit runs the pipeline for a new request, Interrupt and
Resume drive the human approval protocol, and the task operations edit the
record between runs. Every edit is a partial state.Update persisted as a
manual checkpoint together with a user interaction entry.

Session metadata (owner, title, timestamps) lives in a Store; the record
itself lives in the checkpoint store and is authoritative. Status is
derived from the latest checkpoint:

	waiting_human  requires_approval is set
	error          the record carries an error
	in_progress    a next stage is pending or a run is active
	completed      otherwise

The manager does not serialize callers on its own. Pass WithLocker to take
a per-thread lock around every mutating call; KeyedMutex covers a single
process.
*/
package session
