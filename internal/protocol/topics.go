// Package protocol defines the bus topics and the tagged message envelopes
// exchanged between the orchestrator and robot agents.
package protocol

import (
	"strconv"
	"strings"
)

// DefaultPrefix is prepended to every topic unless configured otherwise.
const DefaultPrefix = "warehouse."

// Topics builds topic names under a common prefix.
type Topics struct {
	Prefix string
}

// NewTopics returns Topics for prefix; an empty prefix means DefaultPrefix.
// A prefix without a trailing dot gets one.
func NewTopics(prefix string) Topics {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, ".") {
		prefix += "."
	}
	return Topics{Prefix: prefix}
}

// Assign is the broadcast offer topic used in claim mode.
func (t Topics) Assign() string { return t.Prefix + "tasks.assign" }

// AssignTo is the per-robot assignment topic used in unicast mode.
func (t Topics) AssignTo(robotID int64) string {
	return t.Assign() + "." + strconv.FormatInt(robotID, 10)
}

// Claim carries robot replies (acks, rejections, claims) to the orchestrator.
func (t Topics) Claim() string { return t.Prefix + "tasks.claim" }

// ClaimResultFor carries the orchestrator's claim verdicts to one robot.
func (t Topics) ClaimResultFor(robotID int64) string {
	return t.Claim() + "." + strconv.FormatInt(robotID, 10)
}

// Status is the periodic robot heartbeat topic.
func (t Topics) Status() string { return t.Prefix + "robot.status" }

// Events is the discrete robot event topic.
func (t Topics) Events() string { return t.Prefix + "robot.events" }

// Dispatch modes shared by the orchestrator and the agents.
const (
	// ModeUnicast: the orchestrator picks the robot and sends the task on
	// its own topic; the robot acks or rejects.
	ModeUnicast = "unicast"
	// ModeClaim: offers are broadcast and the first robot to claim wins.
	ModeClaim = "claim"
)

// ValidMode reports whether m names a dispatch mode.
func ValidMode(m string) bool { return m == ModeUnicast || m == ModeClaim }
