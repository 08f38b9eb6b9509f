// Package session owns named remote-control connections to VNC targets.
//
// # Overview
//
// A Registry maps session names to live Sessions. Each Session wraps one
// Remote (an authenticated RFB connection) and one worker goroutine that
// runs queued operations strictly in submission order. Sessions share no
// locks, so operations against different targets run in parallel.
//
// # States
//
//	Disconnected → Connecting → Connected ⇄ Busy
//	                                │
//	                     remote I/O failure
//	                                ▼
//	                              Error
//
// A session in Error stays registered so callers can see what happened;
// it must be disconnected before the name can be connected again. The
// registry never reconnects a control session on its own because replaying
// keystrokes or clicks is not safe.
//
// # Errors
//
// Lookups of unknown names fail with fault.ErrSessionNotFound, a full queue
// with fault.ErrSessionBusy, and handshake rejections with
// fault.ErrAuthenticationFailed. Remote implementations mark transport
// failures by wrapping ErrRemoteIO, which is what moves a session to Error.
package session
