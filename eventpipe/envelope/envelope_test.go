//go:build unit

package envelope

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderPlaced struct {
	Metadata
	OrderID string   `json:"orderId"`
	Total   int64    `json:"total"`
	Items   []string `json:"items"`
}

func newOrderPlaced() orderPlaced {
	return orderPlaced{
		Metadata: NewMetadata("order.placed", "order-1", "corr-42"),
		OrderID:  "order-1",
		Total:    1999,
		Items:    []string{"book", "pen"},
	}
}

func TestSerializeRoundTripPreservesAllFields(t *testing.T) {
	t.Parallel()

	event := newOrderPlaced()

	data, err := Serialize(event)
	require.NoError(t, err)

	decoded, err := Deserialize[orderPlaced](data)
	require.NoError(t, err)

	assert.Equal(t, event.EventID(), decoded.EventID())
	assert.Equal(t, "corr-42", decoded.CorrelationID())
	assert.True(t, event.OccurredAt().Equal(decoded.OccurredAt()))
	assert.Equal(t, event.Items, decoded.Items)
	assert.Equal(t, event.Total, decoded.Total)
}

func TestSerializeUsesLowerCamelKeys(t *testing.T) {
	t.Parallel()

	data, err := Serialize(newOrderPlaced())
	require.NoError(t, err)

	for _, key := range []string{`"eventId"`, `"eventType"`, `"aggregateId"`, `"correlationId"`, `"occurredAt"`, `"orderId"`} {
		assert.Contains(t, string(data), key)
	}
}

func TestSerializeIsDeterministic(t *testing.T) {
	t.Parallel()

	event := newOrderPlaced()

	first, err := Serialize(event)
	require.NoError(t, err)

	second, err := Serialize(event)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestSerializeNil(t *testing.T) {
	t.Parallel()

	_, err := Serialize(nil)
	require.ErrorIs(t, err, ErrNilEvent)
}

func TestEnvelopeWireRoundTrip(t *testing.T) {
	t.Parallel()

	event := newOrderPlaced()

	env, err := New(event)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, env.MessageID)
	assert.Equal(t, "order-1", env.PartitionKey())

	wire, err := env.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(wire), `"payload":"{\"eventId\"`)

	decoded, err := Unmarshal(wire)
	require.NoError(t, err)
	assert.Equal(t, env.MessageID, decoded.MessageID)
	assert.Equal(t, env.EventID, decoded.EventID)
	assert.Equal(t, env.Payload, decoded.Payload)
	assert.True(t, env.CreatedAt.Equal(decoded.CreatedAt))

	body, err := Deserialize[orderPlaced](decoded.PayloadBytes())
	require.NoError(t, err)
	assert.Equal(t, event.OrderID, body.OrderID)
}

func TestUnmarshalRejectsMalformed(t *testing.T) {
	t.Parallel()

	_, err := Unmarshal([]byte("not json"))
	require.ErrorIs(t, err, ErrMalformedEnvelope)

	_, err = Unmarshal([]byte(`{"eventType":"order.placed"}`))
	require.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	require.NoError(t, Register[orderPlaced](registry, "order.placed"))
	require.ErrorIs(t, Register[orderPlaced](registry, "order.placed"), ErrEventTypeRegistered)
	require.ErrorIs(t, Register[orderPlaced](registry, " "), ErrEventTypeRequired)

	decoder, ok := registry.Lookup("order.placed")
	require.True(t, ok)

	data, err := Serialize(newOrderPlaced())
	require.NoError(t, err)

	value, err := decoder(data)
	require.NoError(t, err)

	decoded, ok := value.(orderPlaced)
	require.True(t, ok)
	assert.Equal(t, "order-1", decoded.OrderID)

	_, ok = registry.Lookup("order.cancelled")
	assert.False(t, ok)

	assert.Equal(t, []string{"order.placed"}, registry.Types())
}

func TestMetadataStampsUTC(t *testing.T) {
	t.Parallel()

	meta := NewMetadata("t", "a", "")
	assert.Equal(t, time.UTC, meta.OccurredAt().Location())
}
