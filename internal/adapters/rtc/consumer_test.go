package rtc

import (
	"context"
	"testing"

	"github.com/dkeye/callserver/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestConsumerPriorityAndLayersAreAccepted(t *testing.T) {
	c := &Consumer{}
	ctx := context.Background()

	assert.NoError(t, c.SetPriority(ctx, 1))
	assert.NoError(t, c.SetPriority(ctx, 255))
	for _, p := range []int{0, -1, 256} {
		assert.Equal(t, domain.CodeBadRequest, domain.CodeOf(c.SetPriority(ctx, p)), "priority %d", p)
	}

	assert.NoError(t, c.SetPreferredLayers(ctx, domain.ConsumerLayers{SpatialLayer: 2}))
}
