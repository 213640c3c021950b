package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorString(t *testing.T) {
	e := Wrap("generate", EngineError, "http_503", errors.New("service unavailable"))
	assert.Equal(t, "generate: engine_error (http_503): service unavailable", e.Error())

	e = New(StageInput, InvalidInput, "no audio file uploaded")
	assert.Equal(t, "input: invalid_input: no audio file uploaded", e.Error())
}

func TestFromContext(t *testing.T) {
	assert.Equal(t, Timeout, FromContext("transcribe", context.DeadlineExceeded).Kind)
	assert.Equal(t, Canceled, FromContext("transcribe", context.Canceled).Kind)
}

func TestKindOfWrapped(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("outer: %w", Wrap("transcribe", Timeout, "", cause))
	assert.Equal(t, Timeout, KindOf(err))
	assert.True(t, Is(err, Timeout))
	assert.False(t, Is(err, Overloaded))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, Kind(""), KindOf(cause))
}
