package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginURL(t *testing.T) {
	cases := map[string]string{
		"ws://localhost:8080/ws/signal":          "http://localhost:8080/api/auth/login",
		"wss://relay.example.com/ws/signal?x=1":  "https://relay.example.com/api/auth/login",
		"wss://relay.example.com/duel/ws/signal": "https://relay.example.com/duel/api/auth/login",
	}
	for in, want := range cases {
		got, err := loginURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := loginURL("ftp://relay.example.com")
	assert.Error(t, err)
}
