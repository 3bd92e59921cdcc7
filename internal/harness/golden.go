package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/retrace/internal/scenario"
)

// RunWithGolden executes a scenario and compares its rendering against
// a golden file in testdata/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, h *Harness, scn *scenario.Scenario) *Result {
	t.Helper()
	result, err := h.Run(context.Background(), scn)
	if err != nil {
		t.Fatalf("scenario %s: %v", scn.Name, err)
	}
	g := goldie.New(t)
	g.Assert(t, scn.Name, []byte(RenderResult(result)))
	return result
}
