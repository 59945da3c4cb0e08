package kafka

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/BearBump/LiveTrack/internal/broker/messages"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	last   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.last = append([]kafka.Message{}, msgs...)
	return w.err
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestProducer_Publish(t *testing.T) {
	fw := &fakeWriter{}
	p := newProducerWithWriter(fw)

	require.NoError(t, p.Publish(context.Background(), "t", []byte("k"), []byte("v")))
	require.Len(t, fw.last, 1)
	require.Equal(t, "t", fw.last[0].Topic)
	require.Equal(t, []byte("k"), fw.last[0].Key)
	require.Equal(t, []byte("v"), fw.last[0].Value)
}

func TestProducer_PublishJSON(t *testing.T) {
	fw := &fakeWriter{}
	p := newProducerWithWriter(fw)

	msg := messages.LocationSample{ShipmentID: "HE20240001", Lat: 23.8103, Lng: 90.4125, TS: 1704099600000, AgentName: "Agent Karim"}
	require.NoError(t, p.PublishJSON(context.Background(), "location.sampled", msg.ShipmentID, msg))
	require.Len(t, fw.last, 1)
	require.Equal(t, []byte("HE20240001"), fw.last[0].Key)

	var got messages.LocationSample
	require.NoError(t, json.Unmarshal(fw.last[0].Value, &got))
	require.Equal(t, msg, got)

	require.NoError(t, p.Close())
	require.True(t, fw.closed)
}

func TestNewProducer(t *testing.T) {
	p := NewProducer([]string{"localhost:0"})
	require.NotNil(t, p)
}
