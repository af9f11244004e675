package queue_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/product-os/jellyfish-worker-sub001/pkg/contracts"
	"github.com/product-os/jellyfish-worker-sub001/pkg/queue"
)

func TestMemory_EnqueueAndDrain(t *testing.T) {
	producer := queue.NewMemory()
	ctx := context.Background()

	require.NoError(t, producer.Enqueue(ctx, &contracts.ActionRequest{ID: "r1", Action: "action-create-card@1.0.0"}))
	require.NoError(t, producer.Enqueue(ctx, &contracts.ActionRequest{ID: "r2", Action: "action-update-card@1.0.0"}))
	assert.Equal(t, 2, producer.Len())

	drained := producer.Drain()
	require.Len(t, drained, 2)
	assert.Equal(t, "r1", drained[0].ID)
	assert.Equal(t, "r2", drained[1].ID)

	assert.Equal(t, 0, producer.Len())
	assert.Empty(t, producer.Drain())
}

func TestNewRedis_RejectsBadURL(t *testing.T) {
	_, err := queue.NewRedis("not a url")
	assert.Error(t, err)
}
