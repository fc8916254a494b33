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

package pending

import "testing"

func TestTableInsertAndTake(t *testing.T) {
	tbl := New()

	var got error
	tbl.Insert(1, func(err error) { got = err })

	if tbl.Len() != 1 {
		t.Fatalf("expected len 1, got %d", tbl.Len())
	}

	completion, ok := tbl.Take(1)
	if !ok {
		t.Fatal("expected entry 1 to be present")
	}
	completion(nil)
	if got != nil {
		t.Errorf("expected completion called with nil, got %v", got)
	}

	if tbl.Len() != 0 {
		t.Errorf("expected table empty after Take, got len %d", tbl.Len())
	}
}

func TestTableTakeMissingIsFalse(t *testing.T) {
	tbl := New()
	_, ok := tbl.Take(99)
	if ok {
		t.Error("expected Take on empty table to report false")
	}
}

func TestTableTakeRemovesEntrySoItCannotFireTwice(t *testing.T) {
	tbl := New()
	calls := 0
	tbl.Insert(5, func(error) { calls++ })

	c1, ok1 := tbl.Take(5)
	c2, ok2 := tbl.Take(5)

	if !ok1 {
		t.Fatal("first Take should find the entry")
	}
	if ok2 {
		t.Fatal("second Take should not find the entry again")
	}
	c1(nil)
	if c2 != nil {
		t.Error("second Take should return a nil completion")
	}
	if calls != 1 {
		t.Errorf("completion should fire exactly once, fired %d times", calls)
	}
}

func TestTableIsQuiescentWhenEmpty(t *testing.T) {
	tbl := New()
	if tbl.Len() != 0 {
		t.Errorf("expected a fresh table to be empty, got len %d", tbl.Len())
	}
}
