package utils

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMultiLogHandler(t *testing.T) {
	var debugBuf, warnBuf bytes.Buffer
	debug := slog.NewTextHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug})
	warn := slog.NewTextHandler(&warnBuf, &slog.HandlerOptions{Level: slog.LevelWarn})

	logger := slog.New(NewMultiLogHandler(debug, warn)).With("component", "transfer")
	logger.Debug("tick", "percent", 25)
	logger.Warn("slow")

	assert.Contains(t, debugBuf.String(), "percent=25")
	assert.Contains(t, debugBuf.String(), "msg=slow")
	assert.NotContains(t, warnBuf.String(), "tick")
	assert.Contains(t, warnBuf.String(), "component=transfer")
}
