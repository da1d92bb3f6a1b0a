package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"wace-auth/internal/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractHostPort(t *testing.T) {
	tests := []struct {
		url      string
		hostPort string
		host     string
	}{
		{"http://clickhouse", "clickhouse:9000", "clickhouse"},
		{"https://ch.wace.io", "ch.wace.io:9440", "ch.wace.io"},
		{"localhost:9001", "localhost:9001", "localhost"},
		{"https://ch.wace.io:9441", "ch.wace.io:9441", "ch.wace.io"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.hostPort, extractHostPort(tt.url))
			assert.Equal(t, tt.host, extractHostname(tt.url))
		})
	}
}

func TestRedisClient_HealthCheck(t *testing.T) {
	mr := miniredis.RunT(t)

	rc, err := NewRedisClient(&config.Config{
		Environment: "test",
		Redis:       config.RedisConfig{URL: "redis://" + mr.Addr(), PoolSize: 4},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })

	require.NoError(t, rc.HealthCheck(context.Background()))
	assert.False(t, mr.Exists("healthcheck:wace-auth"))
	assert.NotNil(t, rc.PoolStats())

	mr.Close()
	assert.Error(t, rc.HealthCheck(context.Background()))
}

func TestNewRedisClient_BadURL(t *testing.T) {
	_, err := NewRedisClient(&config.Config{Redis: config.RedisConfig{URL: "memcached://nope"}})
	assert.Error(t, err)
}

func TestNewKafkaProducer_RequiresBrokers(t *testing.T) {
	_, err := NewKafkaProducer(&config.Config{})
	assert.Error(t, err)

	p, err := NewKafkaProducer(&config.Config{Kafka: config.KafkaConfig{Brokers: []string{"localhost:9092"}}})
	require.NoError(t, err)
	assert.True(t, p.Writer.AllowAutoTopicCreation)
	require.NoError(t, p.Close())
}

func TestNewElasticsearchClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"version":{"number":"8.19.0"},"tagline":"You Know, for Search"}`))
	}))
	defer srv.Close()

	es, err := NewElasticsearchClient(&config.Config{
		Environment:   "development",
		Elasticsearch: config.ElasticsearchConfig{URL: srv.URL},
	})
	require.NoError(t, err)
	assert.NoError(t, es.HealthCheck(context.Background()))
	es.Close()
}
