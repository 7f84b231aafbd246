// SPDX-License-Identifier: AGPL-3.0-or-later
// fabric - a service-discovery and message-routing mesh

package socket

import (
	"reflect"
	"time"
)

// Poll waits for any of items' sockets to become readable, up to timeoutMs
// (negative blocks indefinitely, zero returns immediately without blocking).
// Revents on each matching item is set to PollIn. Implemented as a
// Go-native reflect.Select fan-in over each socket's Readable() channel
// rather than a syscall-level multiplexer, consistent with this package's
// in-module transport.
func Poll(items []PollItem, timeoutMs int) (int, error) {
	for i := range items {
		items[i].Revents = 0
	}

	if n := drainReady(items); n > 0 || timeoutMs == 0 {
		return n, nil
	}

	cases := make([]reflect.SelectCase, len(items))
	for i, it := range items {
		cases[i] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(it.Socket.Readable())}
	}

	var timeoutCh <-chan time.Time
	if timeoutMs > 0 {
		timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(timeoutCh)})
	timeoutIdx := len(cases) - 1

	chosen, _, ok := reflect.Select(cases)
	if chosen == timeoutIdx {
		return 0, nil
	}
	if ok {
		items[chosen].Revents |= PollIn
	}

	return drainReady(items), nil
}

// drainReady performs one non-blocking pass over every item's Readable
// channel, marking PollIn on whichever are currently signaled, and returns
// the number of items with PollIn set.
func drainReady(items []PollItem) int {
	ready := 0
	for i := range items {
		if items[i].Revents&PollIn != 0 {
			ready++
			continue
		}
		select {
		case <-items[i].Socket.Readable():
			items[i].Revents |= PollIn
			ready++
		default:
		}
	}
	return ready
}
