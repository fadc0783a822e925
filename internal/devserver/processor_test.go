package devserver

import (
	"context"
	"testing"

	"github.com/openmined/syftdrop/internal/wsproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startProcessor(t *testing.T, cfg *ProcessingConfig) (*Processor, *recordingSink) {
	t.Helper()
	sink := newRecordingSink()
	p := NewProcessor(cfg, sink)
	p.Start(context.Background())
	t.Cleanup(p.Stop)
	return p, sink
}

func processingConfig() *ProcessingConfig {
	cfg := DefaultConfig().Processing
	cfg.StepDelay = 0
	cfg.Workers = 1
	return cfg
}

func TestProcessor_Completes(t *testing.T) {
	p, sink := startProcessor(t, processingConfig())

	require.True(t, p.Enqueue(&job{User: testUser, Key: "uploads/a", FileName: "a.mp3", CorrelationID: "cid-1", Size: 10}))

	var last float64
	for range processingSteps {
		msg := sink.next(t)
		require.Equal(t, wsproto.MsgProgressUpdate, msg.Type)
		update := msg.Data.(*wsproto.ProgressUpdate)
		assert.Equal(t, "cid-1", update.CorrelationID)
		assert.Greater(t, update.Percent, last)
		assert.NotEmpty(t, update.StepDescription)
		last = update.Percent
	}

	msg := sink.next(t)
	require.Equal(t, wsproto.MsgCompleted, msg.Type)
	assert.Equal(t, "cid-1", msg.Data.(*wsproto.Completed).CorrelationID)
}

func TestProcessor_FailPattern(t *testing.T) {
	p, sink := startProcessor(t, processingConfig())

	require.True(t, p.Enqueue(&job{User: testUser, Key: "uploads/a", FileName: "dir/a.invalid", CorrelationID: "cid-2", Size: 10}))

	assert.Equal(t, wsproto.MsgProgressUpdate, sink.next(t).Type)
	msg := sink.next(t)
	require.Equal(t, wsproto.MsgFailed, msg.Type)
	failed := msg.Data.(*wsproto.Failed)
	assert.Equal(t, msgInvalidFormat, failed.Message)
	assert.Equal(t, "cid-2", failed.CorrelationID)
}

func TestProcessor_EmptyObjectFails(t *testing.T) {
	p, sink := startProcessor(t, processingConfig())

	require.True(t, p.Enqueue(&job{User: testUser, Key: "uploads/a", FileName: "a.mp3"}))

	sink.next(t)
	assert.Equal(t, wsproto.MsgFailed, sink.next(t).Type)
}

func TestProcessor_Disabled(t *testing.T) {
	cfg := processingConfig()
	cfg.Enabled = false
	p := NewProcessor(cfg, newRecordingSink())

	assert.False(t, p.Enqueue(&job{FileName: "a.mp3", Size: 1}))
}

func TestProcessor_StopIdempotent(t *testing.T) {
	p := NewProcessor(processingConfig(), newRecordingSink())
	p.Start(context.Background())
	p.Start(context.Background())
	p.Stop()
	p.Stop()
}
