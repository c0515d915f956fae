// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package payload

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

type sample struct {
	Event string         `json:"event"`
	Count int            `json:"count"`
	Data  map[string]any `json:"data"`
}

func TestLookup(t *testing.T) {
	for name, want := range map[string]string{
		"":         EncodingJSON,
		"JSON":     EncodingJSON,
		"msgpack":  EncodingMsgPack,
		"protobuf": EncodingProtobuf,
		"proto":    EncodingProtobuf,
	} {
		enc, err := Lookup(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, enc.Name())
	}

	_, err := Lookup("xml")
	assert.ErrorIs(t, err, ErrUnknownEncoding)
}

func TestJSON(t *testing.T) {
	data, err := JSON{}.Encode(sample{Event: "face_detected", Count: 2})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "face_detected", got["event"])
	assert.Equal(t, "application/json", JSON{}.ContentType())

	_, err = JSON{}.Encode(make(chan int))
	assert.Error(t, err)
}

func TestMsgPackUsesJSONTags(t *testing.T) {
	data, err := MsgPack{}.Encode(sample{Event: "gaze", Count: 3, Data: map[string]any{"x": 0.5}})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, msgpack.Unmarshal(data, &got))
	assert.Equal(t, "gaze", got["event"])
	assert.EqualValues(t, 3, got["count"])
	assert.Equal(t, 0.5, got["data"].(map[string]any)["x"])
}

func TestProtobuf(t *testing.T) {
	data, err := Protobuf{}.Encode(sample{Event: "emotion", Count: 1, Data: map[string]any{"label": "happy"}})
	require.NoError(t, err)

	var v structpb.Value
	require.NoError(t, proto.Unmarshal(data, &v))
	fields := v.GetStructValue().GetFields()
	assert.Equal(t, "emotion", fields["event"].GetStringValue())
	assert.Equal(t, float64(1), fields["count"].GetNumberValue())
	assert.Equal(t, "happy", fields["data"].GetStructValue().GetFields()["label"].GetStringValue())
}
