package utils

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractAddr(t *testing.T) {
	tests := []struct {
		url     string
		want    string
		wantErr bool
	}{
		{url: "ws://localhost:8080/ws", want: "localhost:8080"},
		{url: "ws://example.com/session", want: "example.com:80"},
		{url: "wss://example.com/session", want: "example.com:443"},
		{url: "nats://nats.local", want: "nats.local:4222"},
		{url: "wss://[::1]/x", want: "[::1]:443"},
		{url: "ftp://example.com", wantErr: true},
		{url: "localhost", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got, err := ExtractAddr(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWaitForServices(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	err = WaitForServices(context.Background(), time.Second, "", "ws://"+ln.Addr().String()+"/ws")
	assert.NoError(t, err)

	addr := ln.Addr().String()
	ln.Close()
	err = WaitForServices(context.Background(), 300*time.Millisecond, "ws://"+addr+"/ws")
	assert.Error(t, err)
}
