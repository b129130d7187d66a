// Package server is C9, the wiring root: it constructs C0-C8 from a Config
// and dispatches incoming control-protocol connections to per-client
// sessions.
//
// Lock order. Where a goroutine holds a lock of one package in this list
// while acquiring a lock of another, the held lock belongs to the package
// earlier in the list:
//
//	ClientMain (internal/session) -> Scheduler (internal/scheduler) ->
//	CAS (internal/cas) -> Index (internal/fileindex) ->
//	Snapshot (internal/snapshot) -> CBT (internal/cbt)
//
// This is a convention; no lock-ordering checker enforces it. Locks do
// nest: cas.Store holds its mutex while calling into fileindex.Index, which
// takes its own. Some methods also hold their own mutex while calling a
// collaborator: snapshot.Manager.Start calls the SnapshotDriver, and
// session.Session.Authenticate calls identity.Manager.Confirm, under their
// own locks.
package server
