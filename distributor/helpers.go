// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package distributor

import (
	"context"
	"log/slog"
	"reflect"
)

// Validate checks that d can be registered: it must be non-nil and able
// to send.
func Validate(d Distributor) error {
	if d == nil {
		return ErrNilDistributor
	}
	if v := reflect.ValueOf(d); v.Kind() == reflect.Pointer && v.IsNil() {
		return ErrNilDistributor
	}
	if f, ok := d.(*Func); ok && f.SendFunc == nil {
		return &NotImplementedError{Distributor: f.Name(), Operation: "send"}
	}
	return nil
}

// Broadcast uses the distributor's own broadcast path when it has one and
// otherwise sends with opts.Broadcast set.
func Broadcast(ctx context.Context, d Distributor, event string, data any, opts SendOptions) (SendResult, error) {
	opts.Broadcast = true
	if b, ok := d.(Broadcaster); ok {
		return b.Broadcast(ctx, event, data, opts)
	}
	return d.Send(ctx, event, data, opts)
}

// Subscribe subscribes when d supports it. A distributor without the
// subscribe capability is logged and reported with false.
func Subscribe(ctx context.Context, logger *slog.Logger, d Distributor, topic string, h MessageHandler) (bool, error) {
	s, ok := subscriber(logger, d, "subscribe")
	if !ok {
		return false, nil
	}
	if err := s.Subscribe(ctx, topic, h); err != nil {
		return false, err
	}
	return true, nil
}

// Unsubscribe is the counterpart of Subscribe.
func Unsubscribe(ctx context.Context, logger *slog.Logger, d Distributor, topic string) (bool, error) {
	s, ok := subscriber(logger, d, "unsubscribe")
	if !ok {
		return false, nil
	}
	if err := s.Unsubscribe(ctx, topic); err != nil {
		return false, err
	}
	return true, nil
}

func subscriber(logger *slog.Logger, d Distributor, op string) (Subscriber, bool) {
	s, ok := d.(Subscriber)
	if ok && d.Capabilities().Has(CapSubscribe) {
		return s, true
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("distributor does not support subscriptions",
		slog.String("distributor", d.Name()),
		slog.String("operation", op))
	return nil, false
}
