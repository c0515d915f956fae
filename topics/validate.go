// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// MaxLength is the longest topic the wire format can carry.
const MaxLength = 65535

var (
	ErrInvalidName   = errors.New("invalid topic name")
	ErrInvalidFilter = errors.New("invalid topic filter")
)

// ValidateName checks a topic used for PUBLISH. Wildcards are not allowed.
func ValidateName(topic string) error {
	if !wellFormed(topic) || strings.ContainsAny(topic, SingleLevel+MultiLevel) {
		return ErrInvalidName
	}
	return nil
}

// ValidateFilter checks a topic filter used for SUBSCRIBE. '+' must occupy
// a whole level and '#' must be the whole last level.
func ValidateFilter(filter string) error {
	if !wellFormed(filter) {
		return ErrInvalidFilter
	}
	levels := strings.Split(filter, Separator)
	for i, l := range levels {
		switch {
		case l == MultiLevel:
			if i != len(levels)-1 {
				return ErrInvalidFilter
			}
		case l == SingleLevel:
		case strings.ContainsAny(l, SingleLevel+MultiLevel):
			return ErrInvalidFilter
		}
	}
	return nil
}

func wellFormed(s string) bool {
	return s != "" && len(s) <= MaxLength && utf8.ValidString(s) && !strings.ContainsRune(s, 0)
}
