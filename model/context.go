package model

import (
	"context"
	"fmt"
)

// Channel identifies which surface a request arrived through.
type Channel string

const (
	ChannelClient   Channel = "client"
	ChannelOperator Channel = "operator"
	ChannelCLI      Channel = "cli"
	ChannelSystem   Channel = "system"
)

// RequestContext carries the caller and tracing information for the lifetime
// of a request. It is immutable after construction and safe for concurrent
// reads.
type RequestContext struct {
	Channel       Channel
	Actor         string
	CorrelationID string
	TraceID       string
}

// Validate checks that all mandatory fields are present.
func (rc *RequestContext) Validate() error {
	if rc.Channel == "" {
		return fmt.Errorf("Channel is required")
	}
	return nil
}

// ActorLabel returns the actor, falling back to the channel name.
func (rc *RequestContext) ActorLabel() string {
	if rc == nil {
		return string(ChannelSystem)
	}
	if rc.Actor != "" {
		return rc.Actor
	}
	return string(rc.Channel)
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}
