// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package distributor

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by sends on a distributor that is not connected.
	ErrNotConnected = errors.New("distributor not connected")

	// ErrNilDistributor is returned when validating a nil distributor.
	ErrNilDistributor = errors.New("distributor is nil")

	// ErrPayloadTooLarge is returned when an encoded event exceeds the
	// transport limit.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrInvalidConfig is returned for unusable adapter configuration.
	ErrInvalidConfig = errors.New("invalid distributor configuration")
)

// NotImplementedError reports an operation a distributor does not provide.
type NotImplementedError struct {
	Distributor string
	Operation   string
}

func (e *NotImplementedError) Error() string {
	return fmt.Sprintf("distributor %q does not implement %s", e.Distributor, e.Operation)
}
