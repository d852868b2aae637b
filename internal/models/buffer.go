package models

import "time"

// BufferedLine is one line captured from a port's stream.
type BufferedLine struct {
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
	Text      string    `json:"text"`
}
