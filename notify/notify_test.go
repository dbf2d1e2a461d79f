package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/revenue-engine/revenue"
)

func payoutEvent() revenue.Event {
	return revenue.Event{
		Type:     revenue.EventPayoutRejected,
		Owner:    "aff-1",
		Amount:   decimal.NewFromInt(5000),
		Balance:  decimal.NewFromInt(5000),
		PayoutID: "p-1",
		Reason:   "invalid bank details",
		At:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestLog_WritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	n := NewLog(zerolog.New(&buf))

	require.NoError(t, n.Notify(context.Background(), payoutEvent()))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "payout.rejected", line["event"])
	assert.Equal(t, "aff-1", line["owner"])
	assert.Equal(t, "5000", line["amount"])
	assert.Equal(t, "p-1", line["payout_id"])
	assert.Equal(t, "invalid bank details", line["reason"])
	assert.NotContains(t, line, "reference")
}

type failing struct{ calls int }

func (f *failing) Notify(context.Context, revenue.Event) error {
	f.calls++
	return errors.New("subscriber down")
}

type counting struct{ events []revenue.Event }

func (c *counting) Notify(_ context.Context, e revenue.Event) error {
	c.events = append(c.events, e)
	return nil
}

func TestMulti_TriesEveryNotifier(t *testing.T) {
	bad := &failing{}
	good := &counting{}

	err := Multi{bad, good}.Notify(context.Background(), payoutEvent())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "subscriber down")
	assert.Equal(t, 1, bad.calls)
	assert.Len(t, good.events, 1)

	assert.NoError(t, Multi{good}.Notify(context.Background(), payoutEvent()))
}

func TestConnect_AcceptsURLAndAddress(t *testing.T) {
	c, err := Connect("redis://:secret@cache.internal:6380/2")
	require.NoError(t, err)
	assert.Equal(t, "cache.internal:6380", c.Options().Addr)
	assert.Equal(t, 2, c.Options().DB)
	assert.Equal(t, "secret", c.Options().Password)

	c, err = Connect("localhost:6379")
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", c.Options().Addr)

	_, err = Connect("redis://cache.internal:6380/not-a-db")
	assert.Error(t, err)
}

func TestRedis_PublishFailureIsReported(t *testing.T) {
	// Nothing listens on this port
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	n := NewRedis(client, "")
	assert.Equal(t, DefaultChannel, n.channel)

	err := n.Notify(context.Background(), payoutEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish payout.rejected")
}
