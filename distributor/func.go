// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package distributor

import "context"

// SendFunc delivers one event.
type SendFunc func(ctx context.Context, event string, data any, opts SendOptions) (SendResult, error)

// Func is a distributor backed by functions. It serves in-process
// consumers and tests. A Func without SendFunc fails validation and every
// send with NotImplementedError.
type Func struct {
	*Base

	SendFunc       SendFunc
	ConnectFunc    func(ctx context.Context) error
	DisconnectFunc func(ctx context.Context) error
}

// NewFunc returns a Func distributor. CapSend is always included.
func NewFunc(name string, caps Capability, send SendFunc) *Func {
	return &Func{
		Base:     NewBase(name, caps|CapSend),
		SendFunc: send,
	}
}

func (f *Func) Connect(ctx context.Context) error {
	if f.Status() == StatusConnected {
		return nil
	}
	if f.ConnectFunc != nil {
		if err := f.ConnectFunc(ctx); err != nil {
			f.SetError(err)
			return err
		}
	}
	f.SetStatus(StatusConnected)
	return nil
}

func (f *Func) Disconnect(ctx context.Context) error {
	var err error
	if f.DisconnectFunc != nil && f.Status() == StatusConnected {
		err = f.DisconnectFunc(ctx)
	}
	f.SetStatus(StatusDisconnected)
	return err
}

func (f *Func) Send(ctx context.Context, event string, data any, opts SendOptions) (SendResult, error) {
	if f.SendFunc == nil {
		err := &NotImplementedError{Distributor: f.Name(), Operation: "send"}
		f.RecordError(err)
		return SendResult{}, err
	}
	res, err := f.SendFunc(ctx, event, data, opts)
	if err != nil {
		f.RecordError(err)
		return res, err
	}
	f.RecordSent(res.Bytes)
	return res, nil
}

func (f *Func) Cleanup(ctx context.Context) error {
	return f.Stop(ctx, f.Disconnect)
}
