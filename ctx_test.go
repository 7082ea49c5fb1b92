package signup_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	signup "github.com/jedanetworks/go-signup"
)

func TestSessionKeyFromContext(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "flow-1", signup.SessionKeyFromContext(ctx, "flow-1"))

	ctx = signup.WithSessionKey(ctx, "sid-1")
	assert.Equal(t, "sid-1", signup.SessionKeyFromContext(ctx, "flow-1"))

	ctx = signup.WithSessionKey(ctx, "")
	assert.Equal(t, "flow-1", signup.SessionKeyFromContext(ctx, "flow-1"))
}
