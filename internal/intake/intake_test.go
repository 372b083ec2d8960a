package intake

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgefix/edgefix/internal/types"
)

type fakeSubmitter struct {
	got []types.Alert
	err error
}

func (f *fakeSubmitter) Submit(a types.Alert) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.got = append(f.got, a)
	return true, nil
}

func TestDeduper_WindowAndCleanup(t *testing.T) {
	d := NewDeduper(zerolog.Nop(), time.Minute)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	a := types.Alert{ID: "alert-1", DeviceID: "dev-1"}
	assert.False(t, d.Seen(a))
	assert.True(t, d.Seen(a))

	// a higher attempt count is a distinct delivery
	a2 := a
	a2.AttemptCount = 1
	assert.False(t, d.Seen(a2))

	now = now.Add(2 * time.Minute)
	assert.False(t, d.Seen(a), "window elapsed")

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 2, d.Cleanup())
	assert.Equal(t, 0, d.Len())
}

func TestIntake_Accept(t *testing.T) {
	sub := &fakeSubmitter{}
	in := New(NewDeduper(zerolog.Nop(), time.Minute), sub, zerolog.Nop())
	a := types.Alert{ID: "alert-1", DeviceID: "dev-1", Type: "Offline"}

	ok, err := in.Accept(a)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = in.Accept(a)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, sub.got, 1)
}

func TestIntake_RejectedDeliveryCanBeResent(t *testing.T) {
	sub := &fakeSubmitter{err: errors.New("invalid alert")}
	in := New(NewDeduper(zerolog.Nop(), time.Minute), sub, zerolog.Nop())
	a := types.Alert{ID: "alert-1", DeviceID: "dev-1"}

	_, err := in.Accept(a)
	require.Error(t, err)

	sub.err = nil
	ok, err := in.Accept(a)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDecodeMember(t *testing.T) {
	a, err := decodeMember(`{"alert_id":"alert-1","device_id":"dev-1","alert_type":"Offline","raised_at":"2024-05-01T12:00:00Z"}`)
	require.NoError(t, err)
	assert.Equal(t, "alert-1", a.ID)
	assert.Equal(t, types.AlertType("Offline"), a.Type)

	_, err = decodeMember([]byte("x"))
	assert.Error(t, err)
	_, err = decodeMember(`{"alert_id":"alert-1"}`)
	assert.Error(t, err)
	_, err = decodeMember(`not json`)
	assert.Error(t, err)
}

// TestRedisQueue_RoundTrip needs a Redis server; set EDGEFIX_TEST_REDIS to its address.
func TestRedisQueue_RoundTrip(t *testing.T) {
	addr := os.Getenv("EDGEFIX_TEST_REDIS")
	if addr == "" {
		t.Skip("EDGEFIX_TEST_REDIS not set")
	}
	ctx := context.Background()
	q := NewRedisQueue(RedisOptions{Addr: addr, Key: "edgefix:test:" + t.Name(), Batch: 10}, zerolog.Nop())
	defer q.Close()
	require.NoError(t, q.Ping(ctx))
	defer q.client.Del(ctx, q.key)

	older := types.Alert{ID: "a-1", DeviceID: "dev-1", Type: "Offline", RaisedAt: time.Unix(1000, 0).UTC()}
	newer := types.Alert{ID: "a-2", DeviceID: "dev-2", Type: "Offline", RaisedAt: time.Unix(2000, 0).UTC()}
	require.NoError(t, q.Push(ctx, newer))
	require.NoError(t, q.Push(ctx, older))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	alerts, err := q.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, "a-1", alerts[0].ID)
	assert.Equal(t, "a-2", alerts[1].ID)

	alerts, err = q.Poll(ctx)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}
