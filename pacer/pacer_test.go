package pacer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTriggerArmsOnce(t *testing.T) {
	now := time.Unix(0, 0)
	p := New(now, 10*time.Millisecond, 50*time.Millisecond, time.Millisecond)
	assert.True(t, p.Trigger(now))
	assert.False(t, p.Trigger(now)) // already armed
	_, armed := p.NextEvent()
	assert.True(t, armed)
}

func TestFireClearsAndAdvances(t *testing.T) {
	now := time.Unix(0, 0)
	p := New(now, 10*time.Millisecond, 50*time.Millisecond, time.Millisecond)
	p.Trigger(now)
	p.Fire()
	_, armed := p.NextEvent()
	assert.False(t, armed)
	assert.True(t, p.Trigger(now.Add(time.Microsecond)))
}

func TestMinGapEnforced(t *testing.T) {
	now := time.Unix(0, 0)
	p := New(now, time.Millisecond, 10*time.Millisecond, 5*time.Millisecond)
	p.Trigger(now)
	next, _ := p.NextEvent()
	assert.True(t, !next.Before(now.Add(5*time.Millisecond)))
}

func TestMaxCreditCapsBurst(t *testing.T) {
	now := time.Unix(0, 0)
	p := New(now, time.Millisecond, 5*time.Millisecond, 0)
	// fire many times quickly; t should never trail nextEvent-maxCredit
	for i := 0; i < 100; i++ {
		p.Trigger(now)
		next, _ := p.NextEvent()
		p.Fire()
		assert.True(t, !p.t.Before(next.Add(-5*time.Millisecond)))
	}
}
