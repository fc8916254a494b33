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

package gateway

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/axfor/raftkv/internal/eventloop"
	"github.com/axfor/raftkv/internal/statemachine"
	"github.com/axfor/raftkv/internal/store"
	"github.com/axfor/raftkv/pkg/reliability"
)

// instantProposer simulates a single-node raft group that commits every
// proposal immediately, in the order it was proposed.
type instantProposer struct {
	sm *statemachine.StateMachine
}

func (p *instantProposer) Propose(_ context.Context, data []byte, onResult func(error)) {
	onResult(nil)
	p.sm.OnCommit(data, 1)
}

func newTestGateway(t *testing.T) (addr string, stop func()) {
	t.Helper()

	db, err := store.Open(t.TempDir())
	require.NoError(t, err)
	engine := store.NewEngine(db)

	loop := eventloop.New()
	go loop.Run()

	sm := statemachine.New(loop, engine, 1, nil, nil)
	sm.SetProposer(&instantProposer{sm: sm})

	limits := reliability.NewResourceManager(reliability.DefaultLimits)

	gw := New(Config{Addr: "127.0.0.1:0"}, sm, limits, nil)
	go gw.ListenAndServe()

	var boundAddr string
	require.Eventually(t, func() bool {
		a, ok := gw.Addr()
		if !ok {
			return false
		}
		boundAddr = a
		return true
	}, 2*time.Second, 5*time.Millisecond)

	return boundAddr, func() {
		gw.Stop(context.Background())
		loop.Stop()
		engine.Close()
		limits.Close()
		db.Close()
	}
}

func sendCommand(t *testing.T, conn net.Conn, cmd string) string {
	t.Helper()
	_, err := conn.Write([]byte(cmd + "\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	return line[:len(line)-1]
}

func TestGatewaySetGetDel(t *testing.T) {
	addr, stop := newTestGateway(t)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.Equal(t, "OK", sendCommand(t, conn, "SET foo bar"))
	require.Equal(t, "bar", sendCommand(t, conn, "GET foo"))
	require.Equal(t, "OK", sendCommand(t, conn, "DEL foo"))
	require.Equal(t, "(nil)", sendCommand(t, conn, "GET foo"))
}

func TestGatewayKeysMatchesPattern(t *testing.T) {
	addr, stop := newTestGateway(t)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.Equal(t, "OK", sendCommand(t, conn, "SET user:1 alice"))
	require.Equal(t, "OK", sendCommand(t, conn, "SET user:2 bob"))
	require.Equal(t, "OK", sendCommand(t, conn, "SET other key"))

	reply := sendCommand(t, conn, "KEYS user:*")
	require.Contains(t, reply, "user:1")
	require.Contains(t, reply, "user:2")
	require.NotContains(t, reply, "other")
}

func TestGatewayUnknownCommand(t *testing.T) {
	addr, stop := newTestGateway(t)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	reply := sendCommand(t, conn, "FROBNICATE x")
	require.Contains(t, reply, "ERR")
}
