// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package history_test

import (
	"testing"
	"time"

	"github.com/ix-project/cpctl/pkg/history"
	"github.com/stretchr/testify/assert"
)

func TestRing_New(t *testing.T) {
	t.Run("rejects non-positive capacity", func(t *testing.T) {
		r, err := history.New(0)
		assert.Error(t, err)
		assert.Nil(t, r)
	})

	t.Run("empty ring", func(t *testing.T) {
		r, err := history.New(3)
		assert.NoError(t, err)
		assert.Equal(t, []history.Transition{}, r.Recent())
		assert.Equal(t, 0, r.Len())
	})
}

func TestRing_Push(t *testing.T) {
	r, err := history.New(2)
	assert.NoError(t, err)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.Push(history.Transition{At: base, Dir: history.Up, FromStep: 0, ToStep: 1})
	assert.Equal(t, 1, r.Len())

	r.Push(history.Transition{At: base.Add(time.Second), Dir: history.Up, FromStep: 1, ToStep: 2})
	assert.Equal(t, 2, r.Len())

	// Overflow drops the oldest transition.
	r.Push(history.Transition{At: base.Add(2 * time.Second), Dir: history.Down, FromStep: 2, ToStep: 1})
	recent := r.Recent()
	assert.Len(t, recent, 2)
	assert.Equal(t, 1, recent[0].FromStep)
	assert.Equal(t, 2, recent[1].FromStep)
	assert.Equal(t, history.Down, recent[1].Dir)
}

func TestDirection_String(t *testing.T) {
	assert.Equal(t, "up", history.Up.String())
	assert.Equal(t, "down", history.Down.String())
}
