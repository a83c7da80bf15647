package notifications

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursor_RoundTrip(t *testing.T) {
	c := Cursor{CreatedAt: time.Date(2025, 1, 1, 12, 30, 0, 123456000, time.UTC), Seq: 42}

	parsed, err := ParseCursor(c.String())
	require.NoError(t, err)
	assert.True(t, c.CreatedAt.Equal(parsed.CreatedAt))
	assert.Equal(t, c.Seq, parsed.Seq)
}

func TestCursor_ZeroIsEmpty(t *testing.T) {
	assert.Equal(t, "", Cursor{}.String())

	c, err := ParseCursor("")
	require.NoError(t, err)
	assert.True(t, c.IsZero())
}

func TestParseCursor_Invalid(t *testing.T) {
	for _, token := range []string{"!!!", "bm9zZXBhcmF0b3I", "YWJjOjEy", "MTI6eHl6"} {
		_, err := ParseCursor(token)
		assert.Error(t, err, token)
	}
}

func TestCursor_After(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	a := Cursor{CreatedAt: base, Seq: 1}
	b := Cursor{CreatedAt: base, Seq: 2}
	c := Cursor{CreatedAt: base.Add(time.Millisecond), Seq: 0}

	assert.True(t, b.After(a))
	assert.True(t, c.After(b))
	assert.False(t, a.After(a))
	assert.True(t, a.After(Cursor{}))
}

func TestNotification_JSONHidesSeq(t *testing.T) {
	n := Notification{
		ID:            "n1",
		Seq:           7,
		UserID:        "u1",
		SourceEventID: "e1",
		DeliveryState: DeliveryStoredOnly,
		CreatedAt:     time.Now().UTC(),
	}
	data, err := json.Marshal(n)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.NotContains(t, raw, "seq")
	assert.Equal(t, "STORED_ONLY", raw["delivery_state"])
	assert.Nil(t, raw["read_at"])
}

func TestPage_JSONCursor(t *testing.T) {
	c := Cursor{CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), Seq: 3}
	data, err := json.Marshal(Page{Items: []Notification{}, NextCursor: c, More: true})
	require.NoError(t, err)

	var decoded Page
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, c.Seq, decoded.NextCursor.Seq)
	assert.True(t, decoded.More)
}

func TestDeliveryState_Valid(t *testing.T) {
	assert.True(t, DeliveryPending.Valid())
	assert.True(t, DeliveryLive.Valid())
	assert.True(t, DeliveryStoredOnly.Valid())
	assert.False(t, DeliveryState("SENT").Valid())
}
