package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReactionsSetSemantics(t *testing.T) {
	r := Reactions{}

	assert.True(t, r.Add("👍", "u2"))
	assert.True(t, r.Add("👍", "u1"))
	assert.False(t, r.Add("👍", "u1"))
	assert.Equal(t, []string{"u1", "u2"}, r["👍"])
	assert.True(t, r.Has("👍", "u2"))

	assert.False(t, r.Remove("👍", "u3"))
	assert.True(t, r.Remove("👍", "u1"))
	assert.True(t, r.Remove("👍", "u2"))
	_, ok := r["👍"]
	assert.False(t, ok, "empty symbol set should be dropped")
}

func TestReactionsJSON(t *testing.T) {
	var nilReactions Reactions
	raw, err := json.Marshal(nilReactions)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(raw))

	var decoded Reactions
	require.NoError(t, json.Unmarshal([]byte(`{"x":["b","a","b"]}`), &decoded))
	assert.Equal(t, Reactions{"x": {"a", "b"}}, decoded)
}

func TestMessageWithKeyFillsReactions(t *testing.T) {
	msg := Message{Text: "hi"}.WithKey("m1")
	assert.Equal(t, "m1", msg.ID)
	require.NotNil(t, msg.Reactions)

	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"m1","text":"hi","author":"","timestamp":0,"type":"","reactions":{}}`, string(raw))
}

func TestResponseEncodesExplicitNulls(t *testing.T) {
	raw, err := Success(nil).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":null,"error":null,"status":"SUCCESS"}`, string(raw))

	raw, err = Failure("Incorrect api version (1)").Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":null,"error":"Incorrect api version (1)","status":"ERROR"}`, string(raw))
}

func TestChangeEventJSON(t *testing.T) {
	prev := "a"
	raw, err := json.Marshal(ChangeEvent[User]{Entity: User{ID: "b", Name: "Bo"}, Kind: ChangeAdd, PreviousSiblingKey: &prev})
	require.NoError(t, err)
	assert.JSONEq(t, `{"entity":{"id":"b","name":"Bo"},"kind":"ADD","previousSiblingKey":"a"}`, string(raw))

	raw, err = json.Marshal(ChangeEvent[User]{Entity: User{ID: "b"}, Kind: ChangeRemove})
	require.NoError(t, err)
	assert.JSONEq(t, `{"entity":{"id":"b","name":""},"kind":"REMOVE","previousSiblingKey":null}`, string(raw))
}

func TestPaths(t *testing.T) {
	assert.Equal(t, "users/u1", UserPath("u1"))
	assert.Equal(t, "chat/messages/m1", MessagePath("m1"))
	assert.Equal(t, "chat/messages/m1/reactions", ReactionsPath("m1"))
}
