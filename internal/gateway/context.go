package gateway

import (
	"context"

	"OpenMCP-Relay/internal/trustchain"
)

func withInfraClaims(ctx context.Context, c *trustchain.InfraClaims) context.Context {
	return context.WithValue(ctx, infraClaimsKey{}, c)
}

func infraClaimsFrom(ctx context.Context) *trustchain.InfraClaims {
	c, _ := ctx.Value(infraClaimsKey{}).(*trustchain.InfraClaims)
	return c
}
