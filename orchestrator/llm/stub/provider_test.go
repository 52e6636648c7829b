// Copyright 2025 CodeHelp
// SPDX-License-Identifier: AGPL-3.0-only

package stub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvider_Complete_CannedReply(t *testing.T) {
	provider := NewProvider(Config{Reply: "A canned explanation."})

	resp, err := provider.Complete(context.Background(), CompletionRequest{
		Model:    "stub-model",
		Messages: []Message{{Role: "user", Content: "help"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "A canned explanation.", resp.Content)
	assert.Equal(t, "stub-model", resp.Model)
	assert.Contains(t, string(resp.Raw), "stub.completion")
}

func TestProvider_Complete_DefaultReply(t *testing.T) {
	provider := NewProvider(Config{})

	resp, err := provider.Complete(context.Background(), CompletionRequest{
		Messages: []Message{{Role: "user", Content: "help"}},
	})

	require.NoError(t, err)
	assert.Equal(t, DefaultReply, resp.Content)
}

func TestProvider_Complete_RecordsCalls(t *testing.T) {
	provider := NewProvider(Config{})

	for i := 0; i < 3; i++ {
		_, err := provider.Complete(context.Background(), CompletionRequest{
			Model:    "stub-model",
			Messages: []Message{{Role: "user", Content: "help"}},
		})
		require.NoError(t, err)
	}

	assert.Equal(t, 3, provider.CallCount())
	calls := provider.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "help", calls[0].Messages[0].Content)
}

func TestProvider_Complete_FailWith(t *testing.T) {
	provider := NewProvider(Config{})
	wantErr := errors.New("simulated failure")
	provider.FailWith(wantErr)

	_, err := provider.Complete(context.Background(), CompletionRequest{
		Messages: []Message{{Role: "user", Content: "help"}},
	})
	assert.ErrorIs(t, err, wantErr)

	provider.FailWith(nil)
	_, err = provider.Complete(context.Background(), CompletionRequest{
		Messages: []Message{{Role: "user", Content: "help"}},
	})
	assert.NoError(t, err)
}

func TestProvider_Complete_DelayHonorsContext(t *testing.T) {
	provider := NewProvider(Config{Delay: 5 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := provider.Complete(ctx, CompletionRequest{
		Messages: []Message{{Role: "user", Content: "help"}},
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestProvider_Complete_RequiresMessages(t *testing.T) {
	provider := NewProvider(Config{})

	_, err := provider.Complete(context.Background(), CompletionRequest{})
	assert.ErrorContains(t, err, "at least one message is required")
}
