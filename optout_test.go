package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptOutKeyword(t *testing.T) {
	tests := []struct {
		body     string
		optedOut bool
		ok       bool
	}{
		{"STOP", true, true},
		{" stop\n", true, true},
		{"Unsubscribe", true, true},
		{"quit", true, true},
		{"START", false, true},
		{"unstop", false, true},
		{"yes", false, true},
		{"stop please", false, false},
		{"", false, false},
		{"Can I reschedule?", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			optedOut, ok := optOutKeyword(tt.body)
			assert.Equal(t, tt.optedOut, optedOut)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestMemoryOptOutStore(t *testing.T) {
	ctx := context.Background()
	store := newMemoryOptOutStore()

	optedOut, err := store.IsOptedOut(ctx, testSender, "+15550100001")
	require.NoError(t, err)
	assert.False(t, optedOut)

	require.NoError(t, store.SetOptOut(ctx, testSender, "+15550100001", true))
	optedOut, err = store.IsOptedOut(ctx, testSender, "+15550100001")
	require.NoError(t, err)
	assert.True(t, optedOut)

	// opt-outs are per sender number
	optedOut, err = store.IsOptedOut(ctx, "+15550009999", "+15550100001")
	require.NoError(t, err)
	assert.False(t, optedOut)

	require.NoError(t, store.SetOptOut(ctx, testSender, "+15550100001", false))
	optedOut, err = store.IsOptedOut(ctx, testSender, "+15550100001")
	require.NoError(t, err)
	assert.False(t, optedOut)
}
