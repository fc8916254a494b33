// Copyright 2025 The axfor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package consensus

import (
	"errors"
	"net"
	"time"
)

// errStopped is returned by stoppableListener.Accept once stopc has
// been closed.
var errStopped = errors.New("consensus: listener stopped")

// stoppableListener wraps a net.Listener so Accept returns promptly
// with errStopped once stopc is closed, letting the peer transport's
// HTTP server shut down without leaking a blocked Accept call.
type stoppableListener struct {
	*net.TCPListener
	stopc <-chan struct{}
}

// NewStoppableListener listens on addr and ties Accept's lifetime to
// stopc.
func NewStoppableListener(addr string, stopc <-chan struct{}) (*stoppableListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &stoppableListener{TCPListener: ln.(*net.TCPListener), stopc: stopc}, nil
}

// Accept polls the underlying socket with a short deadline so it can
// notice stopc closing without blocking forever on a quiet listener.
func (ln *stoppableListener) Accept() (net.Conn, error) {
	for {
		select {
		case <-ln.stopc:
			return nil, errStopped
		default:
		}

		if err := ln.SetDeadline(time.Now().Add(500 * time.Millisecond)); err != nil {
			return nil, err
		}

		conn, err := ln.TCPListener.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return nil, err
		}
		return conn, nil
	}
}
