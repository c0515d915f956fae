// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package manager

import "errors"

var (
	ErrInvalidDistributor  = errors.New("invalid distributor")
	ErrDistributorExists   = errors.New("distributor already registered")
	ErrDistributorNotFound = errors.New("distributor not found")
	ErrRateLimited         = errors.New("send rate limit exceeded")
	ErrClosed              = errors.New("manager closed")
)
