package wsproto

import (
	"fmt"

	"github.com/openmined/syftdrop/internal/utils"
)

const idSize = 3

// MessageType is the `typ` field of a push channel frame
type MessageType string

const (
	MsgSystem         MessageType = "system"
	MsgProgressUpdate MessageType = "progress-update"
	MsgCompleted      MessageType = "completed"
	MsgFailed         MessageType = "failed"
)

// Message is a single push channel frame
type Message struct {
	Id   string      `json:"id"`
	Type MessageType `json:"typ"`
	Data any         `json:"dat"`
}

func (m *Message) String() string {
	return fmt.Sprintf("%s(%s)", m.Type, m.Id)
}

// System is the handshake greeting the server sends right after accept
type System struct {
	Version string `json:"ver" msgpack:"ver"`
	Message string `json:"msg" msgpack:"msg"`
}

// ProgressUpdate carries out-of-band processing progress for a stored object
type ProgressUpdate struct {
	Percent         float64 `json:"percent" msgpack:"percent"`
	StepDescription string  `json:"stepDescription" msgpack:"stepDescription"`
	CorrelationID   string  `json:"cid,omitempty" msgpack:"cid,omitempty"`
}

// Completed means processing finished successfully
type Completed struct {
	CorrelationID string `json:"cid,omitempty" msgpack:"cid,omitempty"`
}

// Failed means processing failed; Message is shown to the user verbatim
type Failed struct {
	Message       string `json:"message" msgpack:"message"`
	CorrelationID string `json:"cid,omitempty" msgpack:"cid,omitempty"`
}

func NewSystemMessage(version, msg string) *Message {
	return &Message{Id: generateID(), Type: MsgSystem, Data: &System{Version: version, Message: msg}}
}

func NewProgressUpdate(correlationID string, percent float64, step string) *Message {
	return &Message{
		Id:   generateID(),
		Type: MsgProgressUpdate,
		Data: &ProgressUpdate{Percent: percent, StepDescription: step, CorrelationID: correlationID},
	}
}

func NewCompleted(correlationID string) *Message {
	return &Message{Id: generateID(), Type: MsgCompleted, Data: &Completed{CorrelationID: correlationID}}
}

func NewFailed(correlationID string, message string) *Message {
	return &Message{Id: generateID(), Type: MsgFailed, Data: &Failed{Message: message, CorrelationID: correlationID}}
}

func generateID() string {
	return utils.TokenHex(idSize)
}
