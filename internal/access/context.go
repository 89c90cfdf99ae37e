package access

import "context"

// Actor is the immutable capability context for one request. It is built
// once by the authentication layer and passed into every core operation;
// services never read session state ad hoc.
type Actor struct {
	UserID string
	OrgID  string
	Role   Role
}

type actorContextKey struct{}

// ContextWithActor attaches the authenticated actor to the context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the authenticated actor from the context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	if ctx == nil {
		return Actor{}, false
	}
	v, ok := ctx.Value(actorContextKey{}).(Actor)
	if !ok || v.UserID == "" {
		return Actor{}, false
	}
	return v, true
}
