package shared

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent_DerivesTypeFromPayload(t *testing.T) {
	ev := NewEvent(StepCompletedPayload{Step: 1, Score: 72}, Metadata{SessionID: "s1"})

	assert.Equal(t, EventStepCompleted, ev.Type)
	assert.NotEmpty(t, ev.ID)
	assert.NotEmpty(t, ev.Metadata.TraceID)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestEvent_JSONEnvelope(t *testing.T) {
	ev := NewEvent(MilestoneReachedPayload{
		MilestoneID:   "halfway_point",
		Name:          "Halfway",
		Kind:          "global",
		Threshold:     50,
		CertificateID: "halfway_point",
	}, Metadata{SessionID: "s1", LearnerID: "l1"}).WithCorrelationID("parent")

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "milestone_reached", raw["type"])
	assert.Contains(t, raw, "payload")

	var decoded Event
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, ev.ID, decoded.ID)
	assert.Equal(t, "parent", decoded.Metadata.CorrelationID)

	p, ok := decoded.Payload.(MilestoneReachedPayload)
	require.True(t, ok, "payload should decode to its value type")
	assert.Equal(t, 50, p.Threshold)
}

func TestDecodePayload_UnknownType(t *testing.T) {
	_, err := DecodePayload("nope", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestClampPercent(t *testing.T) {
	assert.Equal(t, Percent(0), ClampPercent(-5))
	assert.Equal(t, Percent(100), ClampPercent(140))
	assert.Equal(t, Percent(73), ClampPercent(72.5))
}
