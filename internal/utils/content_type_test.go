package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectContentType(t *testing.T) {
	assert.Equal(t, "audio/mpeg", DetectContentType("track.mp3"))
	assert.Equal(t, "audio/mpeg", DetectContentType("TRACK.MP3"))
	assert.Equal(t, "application/pdf", DetectContentType("contract.pdf"))
	assert.Equal(t, "video/mp4", DetectContentType("/tmp/clip.mp4"))
	assert.Equal(t, DefaultContentType, DetectContentType("blob"))
	assert.Equal(t, DefaultContentType, DetectContentType("x.unknownext"))
}
