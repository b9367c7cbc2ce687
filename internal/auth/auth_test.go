package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/api"
)

func TestValidateAPIKey(t *testing.T) {
	assert.True(t, ValidateAPIKey("secret", "secret"))
	assert.False(t, ValidateAPIKey("wrong", "secret"))
	assert.False(t, ValidateAPIKey("", "secret"))
	// An unconfigured key never matches, not even the empty string.
	assert.False(t, ValidateAPIKey("", ""))
}

func TestPrincipalInGroup(t *testing.T) {
	p := &Principal{Username: "w1", Groups: []string{"workers", "cloud"}}
	assert.True(t, p.InGroup("workers"))
	assert.True(t, p.InGroup("cloud"))
	assert.False(t, p.InGroup("admins"))

	empty := &Principal{Username: "w2"}
	assert.False(t, empty.InGroup("workers"))
}

func TestPrincipalContextRoundTrip(t *testing.T) {
	assert.Nil(t, PrincipalFromContext(context.Background()))

	p := &Principal{Username: "w1", Environment: api.EnvironmentCloud}
	ctx := WithPrincipal(context.Background(), p)
	assert.Same(t, p, PrincipalFromContext(ctx))
}
