// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInboxOrderAndClose(t *testing.T) {
	q := newInbox()
	for i := 1; i <= 1000; i++ {
		q.push(&Message{PacketID: uint16(i)})
	}
	assert.Equal(t, 1000, q.len())

	q.close()
	q.push(&Message{PacketID: 9999})

	for i := 1; i <= 1000; i++ {
		msg, ok := q.next()
		require.True(t, ok)
		assert.Equal(t, uint16(i), msg.PacketID)
	}
	_, ok := q.next()
	assert.False(t, ok)
}

func TestInboxNextWaitsForPush(t *testing.T) {
	q := newInbox()
	got := make(chan *Message, 1)
	go func() {
		msg, _ := q.next()
		got <- msg
	}()

	select {
	case <-got:
		t.Fatal("next returned before push")
	case <-time.After(50 * time.Millisecond):
	}

	q.push(&Message{Topic: "a/b"})
	select {
	case msg := <-got:
		assert.Equal(t, "a/b", msg.Topic)
	case <-time.After(time.Second):
		t.Fatal("next did not wake")
	}
}

func TestInboxCloseWakesWaiter(t *testing.T) {
	q := newInbox()
	done := make(chan bool, 1)
	go func() {
		_, ok := q.next()
		done <- ok
	}()
	q.close()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("close did not wake next")
	}
}
