package trustchain

import "context"

type routingKey struct{}

type agentAccessKey struct{}

// WithRoutingClaims 将已校验的路由声明存入上下文。
func WithRoutingClaims(ctx context.Context, c *RoutingClaims) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, routingKey{}, c)
}

// RoutingClaimsFromContext 取出路由声明。
func RoutingClaimsFromContext(ctx context.Context) *RoutingClaims {
	if ctx == nil {
		return nil
	}
	c, _ := ctx.Value(routingKey{}).(*RoutingClaims)
	return c
}

// WithAgentAccessClaims 将已校验的 agent 访问声明存入上下文。
func WithAgentAccessClaims(ctx context.Context, c *AgentAccessClaims) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, agentAccessKey{}, c)
}

// AgentAccessClaimsFromContext 取出 agent 访问声明。
func AgentAccessClaimsFromContext(ctx context.Context) *AgentAccessClaims {
	if ctx == nil {
		return nil
	}
	c, _ := ctx.Value(agentAccessKey{}).(*AgentAccessClaims)
	return c
}
