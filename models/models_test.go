package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDroneIDAcceptsStringOrNumber(t *testing.T) {
	t.Parallel()

	cases := map[string]DroneID{
		`"7"`:    "7",
		`" a1 "`: "a1",
		`7`:      "7",
		`null`:   "",
	}
	for in, want := range cases {
		var got DroneID
		require.NoError(t, json.Unmarshal([]byte(in), &got), in)
		assert.Equal(t, want, got, in)
	}

	var id DroneID
	assert.Error(t, json.Unmarshal([]byte(`7.5`), &id))
	assert.Error(t, json.Unmarshal([]byte(`true`), &id))
}

func TestNumericAndStringIDsMatch(t *testing.T) {
	t.Parallel()

	var a, b DismissAlert
	require.NoError(t, json.Unmarshal([]byte(`{"drone":3,"confirmed":true}`), &a))
	require.NoError(t, json.Unmarshal([]byte(`{"drone":"3","confirmed":true}`), &b))
	assert.Equal(t, a, b)
}

func TestUnwrapPayload(t *testing.T) {
	t.Parallel()

	doc, err := UnwrapPayload(json.RawMessage(`{"lat":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"lat":1}`, string(doc))

	wrapped, err := json.Marshal(`{"lat":1}`)
	require.NoError(t, err)
	doc, err = UnwrapPayload(wrapped)
	require.NoError(t, err)
	assert.JSONEq(t, `{"lat":1}`, string(doc))

	_, err = UnwrapPayload(json.RawMessage(`null`))
	assert.ErrorIs(t, err, ErrEmptyPayload)
	_, err = UnwrapPayload(json.RawMessage(`"  "`))
	assert.ErrorIs(t, err, ErrEmptyPayload)
}

func TestDecodePayloadFromString(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(`{"drone_id":12,"frame":"AA==","human_count":2}`)
	require.NoError(t, err)

	var feed DroneFeed
	require.NoError(t, DecodePayload(raw, &feed))
	assert.Equal(t, DroneID("12"), feed.DroneID)
	assert.Equal(t, 2, feed.HumanCount)
}

func TestDroneListEncodesAsString(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(DroneList{{ID: "1", Alert: true}})
	require.NoError(t, err)

	var encoded string
	require.NoError(t, json.Unmarshal(raw, &encoded))
	assert.Contains(t, encoded, `"id":"1"`)

	var back DroneList
	require.NoError(t, json.Unmarshal(raw, &back))
	require.Len(t, back, 1)
	assert.True(t, back[0].Alert)

	require.NoError(t, json.Unmarshal([]byte(`[{"id":2}]`), &back))
	assert.Equal(t, DroneID("2"), back[0].ID)

	raw, err = json.Marshal(DroneList(nil))
	require.NoError(t, err)
	assert.Equal(t, `"[]"`, string(raw))
}
