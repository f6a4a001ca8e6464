package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestInfoSuppressedWhileReplaying(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	replaying := true
	l := New(zap.New(core), &replaying)

	l.Info("hello")
	assert.Equal(t, 0, logs.Len())

	replaying = false
	l.Info("world")
	assert.Equal(t, 1, logs.Len())
}

func TestErrorAlwaysEmitted(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	replaying := true
	l := New(zap.New(core), &replaying)

	l.Error("oops")
	assert.Equal(t, 1, logs.Len())
}
