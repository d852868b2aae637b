package models

import "time"

// EventType names a broadcast event.
type EventType string

const (
	EventSerial     EventType = "serial"
	EventSerialEnd  EventType = "serial_end"
	EventInstallLog EventType = "install_log"
	EventHeartbeat  EventType = "heartbeat"
)

// Event is a single message fanned out to subscribers.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// SerialLine is the payload of a serial event.
type SerialLine struct {
	Token      string    `json:"token"`
	Port       string    `json:"port"`
	Line       string    `json:"line"`
	Raw        bool      `json:"raw"`
	LineNumber int       `json:"lineNumber"`
	Baud       int       `json:"baud"`
	Timestamp  time.Time `json:"timestamp"`
	Stream     string    `json:"stream,omitempty"`
	Reboot     bool      `json:"reboot,omitempty"`
}
