// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package payload encodes event envelopes for the wire.
package payload

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/synopticon/distribution/internal/bufpool"
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Encoding names.
const (
	EncodingJSON     = "json"
	EncodingMsgPack  = "msgpack"
	EncodingProtobuf = "protobuf"
)

// ErrUnknownEncoding is returned by Lookup for unsupported encodings.
var ErrUnknownEncoding = errors.New("unknown payload encoding")

// Encoder serializes a value for transmission.
type Encoder interface {
	Name() string
	ContentType() string
	Encode(v any) ([]byte, error)
}

// Lookup returns the encoder registered under name. An empty name selects JSON.
func Lookup(name string) (Encoder, error) {
	switch strings.ToLower(name) {
	case "", EncodingJSON:
		return JSON{}, nil
	case EncodingMsgPack:
		return MsgPack{}, nil
	case EncodingProtobuf, "proto":
		return Protobuf{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEncoding, name)
	}
}

// JSON encodes values with encoding/json.
type JSON struct{}

func (JSON) Name() string        { return EncodingJSON }
func (JSON) ContentType() string { return "application/json" }

func (JSON) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json payload: %w", err)
	}
	return data, nil
}

// MsgPack encodes values as MessagePack. Struct fields use their json tag
// names so every encoding carries the same keys.
type MsgPack struct{}

func (MsgPack) Name() string        { return EncodingMsgPack }
func (MsgPack) ContentType() string { return "application/msgpack" }

func (MsgPack) Encode(v any) ([]byte, error) {
	buf := bufpool.Get()
	defer bufpool.Put(buf)

	enc := msgpack.NewEncoder(buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode msgpack payload: %w", err)
	}
	return bufpool.Detach(buf), nil
}

// Protobuf encodes values as a google.protobuf.Value. The value is first
// normalized through its JSON form, so any JSON-serializable value works.
type Protobuf struct{}

func (Protobuf) Name() string        { return EncodingProtobuf }
func (Protobuf) ContentType() string { return "application/x-protobuf" }

func (Protobuf) Encode(v any) ([]byte, error) {
	pv, err := ToValue(v)
	if err != nil {
		return nil, err
	}
	data, err := proto.Marshal(pv)
	if err != nil {
		return nil, fmt.Errorf("failed to encode protobuf payload: %w", err)
	}
	return data, nil
}

// ToValue converts a JSON-serializable value to a structpb.Value.
func ToValue(v any) (*structpb.Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize payload: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("failed to normalize payload: %w", err)
	}
	pv, err := structpb.NewValue(generic)
	if err != nil {
		return nil, fmt.Errorf("failed to convert payload: %w", err)
	}
	return pv, nil
}
