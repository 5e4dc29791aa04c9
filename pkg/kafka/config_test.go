package kafka

import (
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProducerConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  ProducerConfig
		err  string
	}{
		{"no brokers", ProducerConfig{RequiredAcks: -1}, "brokers are required"},
		{"bad acks", ProducerConfig{Brokers: []string{"k:9092"}, RequiredAcks: 2}, "required acks"},
		{"bad compression", ProducerConfig{Brokers: []string{"k:9092"}, Compression: "brotli"}, "unknown compression"},
		{"ok", ProducerConfig{Brokers: []string{"k:9092"}, RequiredAcks: 1, Compression: "zstd"}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.validate()
			if tc.err == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tc.err)
		})
	}
}

func TestNewProducerRejectsInvalidConfig(t *testing.T) {
	_, err := NewProducer(WithRequiredAcks(-1))
	assert.ErrorContains(t, err, "invalid config")
}

func TestNewProducerBalancerAndCompression(t *testing.T) {
	p, err := NewProducer(WithBrokers([]string{"localhost:9092"}), WithCompression("none"), WithHashByKey(true))
	require.NoError(t, err)
	defer p.Close()

	assert.IsType(t, &kafka.Hash{}, p.writer.Balancer)
	assert.Equal(t, kafka.Compression(0), p.writer.Compression)
	assert.Equal(t, kafka.Lz4, parseCompression("lz4"))
}

func TestEncode(t *testing.T) {
	b, err := encode("raw")
	require.NoError(t, err)
	assert.Equal(t, "raw", string(b))

	b, err = encode(map[string]int{"n": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(b))

	_, err = encode(make(chan int))
	assert.Error(t, err)
}
