package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeReply(t *testing.T) {
	var e Envelope
	require.NoError(t, json.Unmarshal([]byte(`{"type":"reply","reply":"Hello","used":5,"upgrade":false}`), &e))

	got, err := Decode(e)
	require.NoError(t, err)
	assert.Equal(t, Reply{Text: "Hello", Used: 5}, got)
}

func TestDecodeClarification(t *testing.T) {
	var e Envelope
	raw := `{"type":"clarification","questions":["What brings you here?"],"quick_options":["Just exploring"],"tag":"intent"}`
	require.NoError(t, json.Unmarshal([]byte(raw), &e))

	got, err := Decode(e)
	require.NoError(t, err)
	assert.Equal(t, Clarification{
		Questions:    []string{"What brings you here?"},
		QuickOptions: []string{"Just exploring"},
		Tag:          "intent",
	}, got)
}

func TestDecodeRejectsUnknownShapes(t *testing.T) {
	_, err := Decode(Envelope{Type: "poem"})
	require.ErrorIs(t, err, ErrMalformed)

	_, err = Decode(Envelope{Type: TypeClarification})
	require.ErrorIs(t, err, ErrMalformed)

	_, err = Decode(Envelope{Type: TypeError, Code: CodeQuotaExceeded})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestChatRequestAnswersUseIndexKeys(t *testing.T) {
	raw, err := json.Marshal(ChatRequest{
		CompanionID:          "aurora",
		SessionID:            "s_1",
		ClarificationAnswers: map[int]string{0: "ship it", 2: "beginner"},
	})
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"companion_id":"aurora","message":"","session_id":"s_1","clarification_answers":{"0":"ship it","2":"beginner"}}`,
		string(raw))

	assert.True(t, ChatRequest{ChosenOption: "Just exploring"}.IsClarificationSubmission())
	assert.False(t, ChatRequest{Message: "hi"}.IsClarificationSubmission())
}
