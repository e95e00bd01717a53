package devserver

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/formula-consult/internal/domain"
	"github.com/ashureev/formula-consult/internal/stream"
)

func collect(ctx context.Context, t *testing.T, r Responder, turn Turn) ([]Frame, error) {
	t.Helper()
	var frames []Frame
	for f, err := range r.Respond(ctx, turn) {
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}

func kinds(frames []Frame) []stream.Kind {
	out := make([]stream.Kind, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Event.Kind)
	}
	return out
}

func TestScriptedResponderFormulaTurn(t *testing.T) {
	frames, err := collect(context.Background(), t, &ScriptedResponder{}, Turn{
		Message: "I can't sleep and I'm stressed, please recommend a formula",
	})
	require.NoError(t, err)
	require.NotEmpty(t, frames)

	got := kinds(frames)
	assert.Equal(t, stream.KindThinking, got[0])
	assert.Equal(t, stream.KindHealthDataUpdated, got[1])
	assert.Equal(t, stream.KindHealthDataUpdated, got[2])
	assert.Equal(t, stream.KindComplete, got[len(got)-1])

	var text strings.Builder
	for _, f := range frames {
		if f.Event.Kind == stream.KindChunk {
			text.WriteString(f.Event.Content)
		}
	}
	assert.Contains(t, text.String(), "magnesium glycinate")
	assert.Contains(t, text.String(), "Ashwagandha")

	formula := frames[len(frames)-1].Event.Formula
	require.NotNil(t, formula)
	assert.Len(t, formula.Bases, 2)
	assert.Len(t, formula.Additions, 1)
	assert.Equal(t, []string{"Ashwagandha is not recommended during pregnancy."}, formula.Warnings)
	assert.InDelta(t, 600.0, formula.TotalMg, 0.001)
	assert.NotEmpty(t, formula.Disclaimers)
}

func TestScriptedResponderWithoutFormulaRequest(t *testing.T) {
	frames, err := collect(context.Background(), t, &ScriptedResponder{}, Turn{
		Message: "hello",
		History: []domain.Message{{ID: "m1"}},
	})
	require.NoError(t, err)

	last := frames[len(frames)-1].Event
	assert.Equal(t, stream.KindComplete, last.Kind)
	assert.Nil(t, last.Formula)
	assert.NotContains(t, kinds(frames), stream.KindHealthDataUpdated)
}

func TestScriptedResponderFailurePaths(t *testing.T) {
	tests := []struct {
		message string
		want    stream.Kind
		errText string
	}{
		{"/error", stream.KindError, "the consultation engine is unavailable"},
		{"/formula-error please", stream.KindFormulaError, "could not validate the formula doses"},
	}
	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			frames, err := collect(context.Background(), t, &ScriptedResponder{}, Turn{Message: tt.message})
			require.NoError(t, err)
			last := frames[len(frames)-1].Event
			assert.Equal(t, tt.want, last.Kind)
			assert.Equal(t, tt.errText, last.Error)
			assert.Contains(t, kinds(frames), stream.KindChunk, "partial content precedes the failure")
		})
	}
}

func TestScriptedResponderGarbage(t *testing.T) {
	frames, err := collect(context.Background(), t, &ScriptedResponder{}, Turn{Message: "/garbage"})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(frames), 3)
	assert.NotEmpty(t, frames[0].Raw)
	assert.Equal(t, stream.Kind("tool_call"), frames[1].Event.Kind)
	assert.Equal(t, stream.KindComplete, frames[len(frames)-1].Event.Kind)
}

func TestScriptedResponderStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := &ScriptedResponder{Delay: 5 * time.Millisecond}

	var frames int
	var gotErr error
	for _, err := range r.Respond(ctx, Turn{Message: "tell me about sleep"}) {
		if err != nil {
			gotErr = err
			break
		}
		frames++
		if frames == 2 {
			cancel()
		}
	}
	assert.ErrorIs(t, gotErr, context.Canceled)
	assert.Equal(t, 2, frames)
}

func TestMilligrams(t *testing.T) {
	tests := map[string]float64{
		"200mg": 200,
		"25mcg": 0.025,
		"1.5g":  1500,
		"100":   100,
		"lots":  0,
	}
	for dose, want := range tests {
		assert.InDelta(t, want, milligrams(dose), 1e-9, dose)
	}
}
