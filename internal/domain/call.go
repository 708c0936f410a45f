package domain

import (
	"fmt"
	"time"
)

type CallType string

const (
	CallTypeDefault   CallType = "default"
	CallTypeBroadcast CallType = "broadcast"
)

// ParseCallType maps anything but "broadcast" to the default call type.
func ParseCallType(s string) CallType {
	if s == string(CallTypeBroadcast) {
		return CallTypeBroadcast
	}
	return CallTypeDefault
}

// CallConfig is the part of a call that can change while it is live.
type CallConfig struct {
	Slots       int  `json:"slots"`
	StageSlots  int  `json:"stageSlots"`
	AudioOnly   bool `json:"audioOnly"`
	HighQuality bool `json:"highQuality"`
}

// CallState is the durable view of a call.
type CallState struct {
	ID           string
	CreatorID    string
	CallConfig
	EndedAt      *time.Time
	ScheduleDate *time.Time
}

func (s *CallState) Ended() bool { return s != nil && s.EndedAt != nil }

// CallUpdateType is the only event type the update channel carries today.
const CallUpdateType = "callUpdate"

// CallUpdate is a change notification pushed by the durable store.
type CallUpdate struct {
	Type   string `json:"type"`
	CallID string `json:"callId"`
	CallConfig
	// Ended asks the server to force-close the room.
	Ended bool `json:"ended,omitempty"`
}

func (u CallUpdate) Validate() error {
	if u.Type != CallUpdateType {
		return fmt.Errorf("unexpected update type %q", u.Type)
	}
	if u.CallID == "" {
		return fmt.Errorf("update without call id")
	}
	return nil
}

// ServerStatus is published for this instance on every status tick.
type ServerStatus struct {
	OngoingCalls int    `json:"ongoingCalls"`
	Traffic      uint64 `json:"traffic"`
}
