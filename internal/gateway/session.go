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
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/axfor/raftkv/internal/statemachine"
	"github.com/axfor/raftkv/pkg/log"
	"github.com/axfor/raftkv/pkg/metrics"
	"github.com/axfor/raftkv/pkg/reliability"
)

// session owns one client connection: it reads one command per line,
// dispatches it against the state machine, and writes one response
// line. SET/DEL suspend until their completion fires; GET/KEYS answer
// synchronously.
type session struct {
	conn   net.Conn
	sm     *statemachine.StateMachine
	limits *reliability.ResourceManager
	metrics *metrics.Metrics
	connID string
	w      *bufio.Writer
}

func newSession(conn net.Conn, sm *statemachine.StateMachine, limits *reliability.ResourceManager, m *metrics.Metrics, connID string) *session {
	return &session{
		conn:    conn,
		sm:      sm,
		limits:  limits,
		metrics: m,
		connID:  connID,
		w:       bufio.NewWriter(conn),
	}
}

func (s *session) serve() {
	defer s.conn.Close()

	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if s.limits != nil {
			s.limits.UpdateConnectionActivity(s.connID)
			if err := s.limits.CheckRequestSize(int64(len(line))); err != nil {
				s.writeLine(fmt.Sprintf("ERR %s", err))
				continue
			}
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		s.dispatch(fields)
	}
}

func (s *session) dispatch(fields []string) {
	cmd := strings.ToUpper(fields[0])
	args := fields[1:]

	var release func()
	if s.limits != nil {
		r, _, cancel, err := s.limits.Admit(context.Background())
		if err != nil {
			s.writeLine(fmt.Sprintf("ERR %s", err))
			return
		}
		release = r
		defer cancel()
		defer release()
	}

	switch cmd {
	case "GET":
		s.handleGet(args)
	case "SET":
		s.handleSet(args)
	case "DEL":
		s.handleDel(args)
	case "KEYS":
		s.handleKeys(args)
	default:
		s.writeLine(fmt.Sprintf("ERR unknown command %q", fields[0]))
	}
}

func (s *session) handleGet(args []string) {
	if len(args) != 1 {
		s.writeLine("ERR GET requires exactly one key")
		return
	}

	value, ok, err := s.sm.Read([]byte(args[0]))
	if err != nil {
		s.writeLine(fmt.Sprintf("ERR %s", err))
		return
	}
	if !ok {
		s.writeLine("(nil)")
		return
	}
	s.writeLine(string(value))
}

func (s *session) handleSet(args []string) {
	if len(args) != 2 {
		s.writeLine("ERR SET requires exactly a key and a value")
		return
	}

	result := make(chan error, 1)
	s.sm.Set([]byte(args[0]), []byte(args[1]), func(err error) {
		result <- err
	})

	if err := s.await(result); err != nil {
		s.writeLine(fmt.Sprintf("ERR %s", err))
		return
	}
	s.writeLine("OK")
}

func (s *session) handleDel(args []string) {
	if len(args) == 0 {
		s.writeLine("ERR DEL requires at least one key")
		return
	}

	keys := make([][]byte, len(args))
	for i, a := range args {
		keys[i] = []byte(a)
	}

	result := make(chan error, 1)
	s.sm.Del(keys, func(err error) {
		result <- err
	})

	if err := s.await(result); err != nil {
		s.writeLine(fmt.Sprintf("ERR %s", err))
		return
	}
	s.writeLine("OK")
}

func (s *session) handleKeys(args []string) {
	pattern := "*"
	if len(args) == 1 {
		pattern = args[0]
	} else if len(args) > 1 {
		s.writeLine("ERR KEYS requires zero or one pattern argument")
		return
	}

	keys, err := s.sm.Keys(pattern, true)
	if err != nil {
		s.writeLine(fmt.Sprintf("ERR %s", err))
		return
	}
	s.writeLine(strings.Join(keys, " "))
}

// await blocks the session goroutine (not the EventLoop) on a write's
// completion, and gives up with an error once
// reliability.DefaultLimits.RequestTimeout has passed without one.
func (s *session) await(result <-chan error) error {
	select {
	case err := <-result:
		return err
	case <-time.After(reliability.DefaultLimits.RequestTimeout):
		return fmt.Errorf("timed out waiting for commit")
	}
}

func (s *session) writeLine(line string) {
	s.w.WriteString(line)
	s.w.WriteByte('\n')
	if err := s.w.Flush(); err != nil {
		log.Warn("gateway write failed", log.RemoteAddr(s.conn.RemoteAddr().String()), log.Err(err), log.Component("gateway"))
	}
}
