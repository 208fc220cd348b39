package models

import "time"

// FileSelection is the canonical outbound file chosen by the user.
type FileSelection struct {
	Path string `json:"path"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// ReceivedFile represents one inbound file accepted by the backend.
type ReceivedFile struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Size       *int64    `json:"size,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
	Sender     string    `json:"sender,omitempty"`
}

// SameFile reports whether two records describe the same received file.
func (f ReceivedFile) SameFile(other ReceivedFile) bool {
	return f.Path == other.Path && f.Name == other.Name
}
