package progress

import (
	"fmt"

	"github.com/openmined/syftdrop/internal/wsproto"
)

// Event is a typed processing notification received on the push channel.
// It is one of Progress, Completed or Failed.
type Event interface {
	// Correlation is the upload correlation id echoed by the server, empty for legacy servers
	Correlation() string
	isEvent()
}

// Progress reports out-of-band processing progress
type Progress struct {
	Percent       float64
	Step          string
	CorrelationID string
}

// Completed means processing finished
type Completed struct {
	CorrelationID string
}

// Failed means processing failed. Message is meant for display as-is.
type Failed struct {
	Message       string
	CorrelationID string
}

func (e Progress) Correlation() string  { return e.CorrelationID }
func (e Completed) Correlation() string { return e.CorrelationID }
func (e Failed) Correlation() string    { return e.CorrelationID }

func (Progress) isEvent()  {}
func (Completed) isEvent() {}
func (Failed) isEvent()    {}

func (e Progress) String() string {
	return fmt.Sprintf("progress(%.1f%%, %q)", e.Percent, e.Step)
}

func (e Completed) String() string {
	return "completed"
}

func (e Failed) String() string {
	return fmt.Sprintf("failed(%q)", e.Message)
}

// eventFromMessage maps a decoded frame to an Event. System frames are not events.
func eventFromMessage(msg *wsproto.Message) (Event, bool) {
	switch data := msg.Data.(type) {
	case wsproto.ProgressUpdate:
		return Progress{Percent: data.Percent, Step: data.StepDescription, CorrelationID: data.CorrelationID}, true
	case *wsproto.ProgressUpdate:
		return Progress{Percent: data.Percent, Step: data.StepDescription, CorrelationID: data.CorrelationID}, true
	case wsproto.Completed:
		return Completed{CorrelationID: data.CorrelationID}, true
	case *wsproto.Completed:
		return Completed{CorrelationID: data.CorrelationID}, true
	case wsproto.Failed:
		return Failed{Message: data.Message, CorrelationID: data.CorrelationID}, true
	case *wsproto.Failed:
		return Failed{Message: data.Message, CorrelationID: data.CorrelationID}, true
	default:
		return nil, false
	}
}
