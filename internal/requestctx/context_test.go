package requestctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTenantRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, Tenant(ctx))
	ctx = SetTenant(ctx, "acme")
	assert.Equal(t, "acme", Tenant(ctx))
}

func TestActorRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, Actor(ctx))
	ctx = SetActor(ctx, "ops@acme")
	assert.Equal(t, "ops@acme", Actor(ctx))
}
