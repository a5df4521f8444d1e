package qr

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wa-gateway/backend/internal/clock"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestBroker_IssueGetClear(t *testing.T) {
	c := clock.NewFake(epoch)
	b := NewBroker(c)

	_, err := b.Get("shop1")
	assert.ErrorIs(t, err, ErrUnavailable)

	b.Issue("shop1", "2@abc", "data:image/png;base64,AAA", time.Minute)
	a, err := b.Get("shop1")
	require.NoError(t, err)
	assert.Equal(t, "2@abc", a.Code)
	assert.Equal(t, epoch.Add(time.Minute), a.ExpiresAt)

	b.Clear("shop1")
	_, err = b.Get("shop1")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 0, c.Pending(), "clear cancels the timer")
}

func TestBroker_Expires(t *testing.T) {
	c := clock.NewFake(epoch)
	b := NewBroker(c)

	b.Issue("shop1", "c1", "p1", 60*time.Second)
	c.Advance(59 * time.Second)
	_, err := b.Get("shop1")
	require.NoError(t, err)

	c.Advance(time.Second)
	_, err = b.Get("shop1")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 0, b.Len())
}

// A second challenge halfway through the first one's lifetime must not be
// removed by the first one's timer.
func TestBroker_ReissueResetsExpiry(t *testing.T) {
	c := clock.NewFake(epoch)
	b := NewBroker(c)
	ttl := 60 * time.Second

	b.Issue("shop1", "c1", "p1", ttl)
	c.Advance(ttl / 2)
	b.Issue("shop1", "c2", "p2", ttl)

	c.Advance(ttl / 2) // t0 + T
	a, err := b.Get("shop1")
	require.NoError(t, err)
	assert.Equal(t, "c2", a.Code)

	c.Advance(ttl / 2) // t0 + T/2 + T
	_, err = b.Get("shop1")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestBroker_SessionsIndependent(t *testing.T) {
	c := clock.NewFake(epoch)
	b := NewBroker(c)

	b.Issue("shop1", "a", "a", time.Minute)
	b.Issue("shop2", "b", "b", 2*time.Minute)
	c.Advance(time.Minute)

	_, err := b.Get("shop1")
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = b.Get("shop2")
	assert.NoError(t, err)
}

// **Feature: pairing, Property 1: last issue wins**
// For any sequence of reissues at arbitrary offsets inside the ttl, the
// artifact stays available until exactly ttl after the last issue.
func TestBrokerLastIssueWinsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)
	ttl := 60 * time.Second

	properties.Property("expiry tracks the most recent issue", prop.ForAll(
		func(offsets []int) bool {
			c := clock.NewFake(epoch)
			b := NewBroker(c)

			b.Issue("s", "c0", "p", ttl)
			for i, off := range offsets {
				c.Advance(time.Duration(off) * time.Second)
				b.Issue("s", "c"+string(rune('a'+i%26)), "p", ttl)
			}

			c.Advance(ttl - time.Second)
			if _, err := b.Get("s"); err != nil {
				return false
			}
			c.Advance(time.Second)
			_, err := b.Get("s")
			return err == ErrUnavailable && c.Pending() == 0
		},
		gen.SliceOf(gen.IntRange(1, 59)),
	))

	properties.TestingRun(t)
}

func TestRenderDataURL(t *testing.T) {
	url, err := RenderDataURL("2@abc,def,ghi")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(url, "data:image/png;base64,"))

	png, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(url, "data:image/png;base64,"))
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), png[:4])
}
