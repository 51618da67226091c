package storage

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := OpenRedis(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	assert.Equal(t, "v", func() string { v, _ := mr.Get("k"); return v }())
}

func TestOpenRedis_Errors(t *testing.T) {
	tests := []struct {
		name        string
		url         string
		errContains string
	}{
		{"empty", "", "not configured"},
		{"invalid protocol", "http://localhost:6379", "failed to parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := OpenRedis(context.Background(), tt.url)
			assert.ErrorContains(t, err, tt.errContains)
		})
	}
}

func TestOpenPostgres_NotConfigured(t *testing.T) {
	_, err := OpenPostgres(context.Background(), PostgresConfig{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}
