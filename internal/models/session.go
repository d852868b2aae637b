package models

import "time"

// SessionState is the lifecycle state of a monitor session.
type SessionState string

const (
	SessionStarting      SessionState = "starting"
	SessionBaudDetecting SessionState = "baud_detecting"
	SessionStreaming     SessionState = "streaming"
	SessionStopping      SessionState = "stopping"
	SessionResolved      SessionState = "resolved"
)

// StopReason explains why a monitor session ended.
type StopReason string

const (
	StopTimeLimit    StopReason = "time_limit"
	StopLineLimit    StopReason = "line_limit"
	StopPatternMatch StopReason = "pattern_match"
	StopManual       StopReason = "manual"
	StopCompleted    StopReason = "completed"
	StopError        StopReason = "error"
)

// SessionInfo is a live snapshot of a monitor session.
type SessionInfo struct {
	Token          string       `json:"token"`
	Port           string       `json:"port"`
	RequestedBaud  int          `json:"requestedBaud"`
	NegotiatedBaud int          `json:"negotiatedBaud,omitempty"`
	State          SessionState `json:"state"`
	StopReason     StopReason   `json:"stopReason,omitempty"`
	StartedAt      time.Time    `json:"startedAt"`
	LineCount      int          `json:"lineCount"`
	LastLine       string       `json:"lastLine,omitempty"`
	RebootDetected bool         `json:"rebootDetected"`
}

// SessionSummary is the terminal record of a resolved monitor session.
type SessionSummary struct {
	ID             string     `json:"id,omitempty"`
	Token          string     `json:"token"`
	Port           string     `json:"port"`
	Baud           int        `json:"baud"`
	RequestedBaud  int        `json:"requestedBaud"`
	NegotiatedBaud int        `json:"negotiatedBaud,omitempty"`
	Reason         StopReason `json:"reason"`
	StartedAt      time.Time  `json:"startedAt"`
	EndedAt        time.Time  `json:"endedAt"`
	ElapsedSeconds float64    `json:"elapsedSeconds"`
	TotalLines     int        `json:"totalLines"`
	RebootDetected bool       `json:"rebootDetected"`
	LastLine       string     `json:"lastLine"`
	ExitCode       *int       `json:"exitCode,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// InstallLog is a structured key:value info block captured from a stream.
type InstallLog struct {
	ID        string            `json:"id,omitempty"`
	Token     string            `json:"token"`
	Port      string            `json:"port"`
	Title     string            `json:"title"`
	Fields    map[string]string `json:"fields"`
	CreatedAt time.Time         `json:"createdAt"`
}
