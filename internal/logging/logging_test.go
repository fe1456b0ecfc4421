package logging

import (
	"testing"

	"github.com/labstack/gommon/log"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, log.DEBUG, ParseLevel("debug"))
	assert.Equal(t, log.WARN, ParseLevel(" Warning "))
	assert.Equal(t, log.ERROR, ParseLevel("error"))
	assert.Equal(t, log.OFF, ParseLevel("off"))
	assert.Equal(t, log.INFO, ParseLevel("chatty"))
}

func TestNewReusesAndFollowsLevel(t *testing.T) {
	a := New("test-a")
	assert.Same(t, a, New("test-a"))

	SetLevel(log.ERROR)
	defer SetLevel(log.INFO)

	assert.Equal(t, log.ERROR, a.Level())
	assert.Equal(t, log.ERROR, New("test-b").Level())
}
