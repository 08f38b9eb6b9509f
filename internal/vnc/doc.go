// Package vnc implements session.Remote over the RFB protocol.
//
// Dialer connects with github.com/mitchellh/go-vnc, negotiates VNC password
// authentication (or none when no password is given), requests raw encoding
// in the server's native pixel format, and keeps a local copy of the
// framebuffer that Capture refreshes on demand.
//
// Key names used by the tool layer ("enter", "f2", "ctrl+alt+del") are
// translated to X11 keysyms by Keysym and ParseChord.
package vnc
