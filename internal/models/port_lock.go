package models

import "time"

// LockStatus represents what a port is currently being used for.
type LockStatus string

const (
	LockStatusIdle       LockStatus = "idle"
	LockStatusLocked     LockStatus = "locked"
	LockStatusMonitoring LockStatus = "monitoring"
	LockStatusUploading  LockStatus = "uploading"
	LockStatusCompiling  LockStatus = "compiling"
	LockStatusError      LockStatus = "error"
)

// Holds reports whether the status represents a live owner of the port.
// Idle and error ports have no owner.
func (s LockStatus) Holds() bool {
	return s != LockStatusIdle && s != LockStatusError && s != ""
}

// PortLockState is the lock record for a single serial port.
type PortLockState struct {
	Port         string     `json:"port"`
	Status       LockStatus `json:"status"`
	Owner        string     `json:"owner,omitempty"`
	AcquiredAt   time.Time  `json:"acquiredAt"`
	LastActivity time.Time  `json:"lastActivity"`
	Error        string     `json:"error,omitempty"`
}
