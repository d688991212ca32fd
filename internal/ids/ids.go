// Package ids generates the identifier formats used across the runtime.
//
// Task ids carry a bd- prefix with an 8 hex digit nonce, memory entries a
// mem- prefix with 16 hex digits. Messages, snapshots, and change feed
// events use UUIDv7 so they sort by creation time.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	// TaskPrefix marks task identifiers.
	TaskPrefix = "bd-"
	// MemoryPrefix marks memory entry identifiers.
	MemoryPrefix = "mem-"
	// AgentPrefix marks agent identifiers minted by this process.
	AgentPrefix = "ag-"
)

// NewTaskID generates a task identifier: bd- followed by an 8 hex digit nonce.
func NewTaskID() string {
	return TaskPrefix + hexNonce(4)
}

// NewMemoryID generates a memory entry identifier: mem- followed by 16 hex digits.
func NewMemoryID() string {
	return MemoryPrefix + hexNonce(8)
}

// NewAgentID generates an agent identifier from a role name, e.g. ag-builder-3f2a.
// Agents may also register under self-chosen ids; this is only the default.
func NewAgentID(role string) string {
	role = strings.TrimSpace(strings.ToLower(role))
	if role == "" {
		role = "agent"
	}
	return fmt.Sprintf("%s%s-%s", AgentPrefix, role, hexNonce(2))
}

// NewMessageID generates a collision-resistant message identifier.
func NewMessageID() string {
	return newUUID()
}

// NewSnapshotID generates a collision-resistant quality snapshot identifier.
func NewSnapshotID() string {
	return newUUID()
}

// NewEventID generates a change feed event identifier.
func NewEventID() string {
	return newUUID()
}

// IsTaskID reports whether s looks like a task identifier.
func IsTaskID(s string) bool {
	return strings.HasPrefix(s, TaskPrefix) && len(s) > len(TaskPrefix)
}

// IsMemoryID reports whether s looks like a memory entry identifier.
func IsMemoryID(s string) bool {
	return strings.HasPrefix(s, MemoryPrefix) && len(s) > len(MemoryPrefix)
}

func hexNonce(bytes int) string {
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; if it somehow
		// does, a time-ordered UUID still yields a unique suffix.
		return strings.ReplaceAll(newUUID(), "-", "")[:bytes*2]
	}
	return hex.EncodeToString(buf)
}

func newUUID() string {
	u, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return u.String()
}
