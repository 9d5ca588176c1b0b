package main

import "github.com/mil-ad/eegmenu/internal/httpapi"

// IPCRequest is the JSON request sent over the unix socket.
type IPCRequest struct {
	Command string `json:"command"`          // "status", "connect", "disconnect" or "tap"
	Option  string `json:"option,omitempty"` // option id, for "tap"
}

// IPCResponse is the JSON response sent back over the unix socket. It
// always carries the view after the command was handled.
type IPCResponse struct {
	httpapi.View
	Error string `json:"error,omitempty"`
}
