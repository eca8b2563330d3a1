package actions

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindTableCoversEveryKind(t *testing.T) {
	for _, k := range Kinds() {
		assert.True(t, IsKnown(k), "kind %s missing from table", k)
	}
	assert.False(t, IsKnown(Kind("teleport")))
}

func TestRequiresApproval(t *testing.T) {
	gated := map[Kind]bool{
		KindSendMessage:    true,
		KindSendConnection: true,
		KindFollow:         true,
	}
	for _, k := range Kinds() {
		assert.Equal(t, gated[k], RequiresApproval(k), "kind %s", k)
	}
}

func TestCategoryOf(t *testing.T) {
	assert.Equal(t, CategoryOutreach, CategoryOf(KindSendMessage))
	assert.Equal(t, CategoryNavigation, CategoryOf(KindVisitProfile))
	assert.Equal(t, CategoryRead, CategoryOf(KindScreenshot))
	assert.Equal(t, CategoryInteraction, CategoryOf(Kind("unknown")))
}

func TestDecodeEnvelope(t *testing.T) {
	raw := `[
		{"kind":"navigate","params":{"url":"https://example.com"}},
		{"kind":"send_message","params":{"recipient":"jane","body":"hi"}},
		{"kind":"screenshot"}
	]`
	var envs []Envelope
	require.NoError(t, json.Unmarshal([]byte(raw), &envs))

	list, err := DecodeAll(envs)
	require.NoError(t, err)
	require.Len(t, list, 3)

	assert.Equal(t, Navigate{URL: "https://example.com"}, list[0])
	assert.Equal(t, SendMessage{Recipient: "jane", Body: "hi"}, list[1])
	assert.Equal(t, Screenshot{}, list[2])
}

func TestDecodeRejectsBadInput(t *testing.T) {
	_, err := Decode(Envelope{Kind: "teleport"})
	assert.Error(t, err)

	_, err = Decode(Envelope{Kind: KindNavigate, Params: json.RawMessage(`{"url":""}`)})
	assert.Error(t, err)

	_, err = Decode(Envelope{Kind: KindClick, Params: json.RawMessage(`{"selector":`)})
	assert.Error(t, err)

	_, err = DecodeAll([]Envelope{
		{Kind: KindScreenshot},
		{Kind: KindSendMessage, Params: json.RawMessage(`{"recipient":"x"}`)},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "action 1")
}

func TestEncodeKeepsVariantParams(t *testing.T) {
	env, err := Encode(SendConnection{ProfileURL: "https://example.com/in/jane", Note: "hello"})
	require.NoError(t, err)
	assert.Equal(t, KindSendConnection, env.Kind)

	back, err := Decode(env)
	require.NoError(t, err)
	assert.Equal(t, SendConnection{ProfileURL: "https://example.com/in/jane", Note: "hello"}, back)
}

func TestPreviewTruncatesContent(t *testing.T) {
	long := strings.Repeat("a", 400)
	p := PreviewOf(SendMessage{Recipient: "jane", Body: long})
	assert.Equal(t, "jane", p.Target)
	assert.Equal(t, 281, len([]rune(p.Content)))
}
