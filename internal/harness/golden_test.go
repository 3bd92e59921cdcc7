package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGolden_Pipeline(t *testing.T) {
	h := New(WithRunTokens(NewFixedGenerator("golden-pipeline")))
	result := RunWithGolden(t, h, pipelineScenario())
	assert.True(t, result.Replayable)
}

func TestGolden_Blocking(t *testing.T) {
	h := New(WithRunTokens(NewFixedGenerator("golden-blocking")))
	result := RunWithGolden(t, h, blockingScenario())
	assert.False(t, result.Replayable)
}
