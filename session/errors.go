// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import "errors"

var (
	ErrSessionExists          = errors.New("session already exists")
	ErrSessionNotFound        = errors.New("session not found")
	ErrSessionEnded           = errors.New("session ended")
	ErrUnknownDistributorType = errors.New("unknown distributor type")
)
