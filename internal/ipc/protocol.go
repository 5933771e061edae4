// Package ipc implements the daemon's local control channel: a unix socket
// speaking newline-delimited JSON requests and responses.
package ipc

import (
	"encoding/json"

	"github.com/Finesssee/CoreWarden/internal/sysproxy"
)

// Command names accepted on the control socket.
const (
	CmdStart   = "start"
	CmdStop    = "stop"
	CmdRestart = "restart"
	CmdStatus  = "status"
	CmdLogs    = "logs"
	CmdPing    = "ping"
	CmdVersion = "version"
)

// Request is one decoded control command.
type Request struct {
	Command string `json:"command"`

	// Start parameters.
	ConfigPath  string            `json:"config_path,omitempty"`
	CorePath    string            `json:"core_path,omitempty"`
	SystemProxy *sysproxy.Override `json:"system_proxy,omitempty"`

	// Logs parameters. Zero or absent returns the full buffer.
	Tail int `json:"tail,omitempty"`
}

// Response is the envelope written back for every request.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// VersionInfo is the payload of the version command.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// ok wraps a payload into a success response, degrading to an error
// response if the payload itself cannot be marshaled.
func ok(data interface{}) Response {
	if data == nil {
		return Response{Success: true}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fail("encoding response failed: " + err.Error())
	}
	return Response{Success: true, Data: raw}
}

func fail(msg string) Response {
	return Response{Success: false, Error: msg}
}
