package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSecret(t *testing.T) {
	assert.Equal(t, "plain-key", Secret("plain-key"))
	assert.Equal(t, "hunter2", Secret(`{"password":"hunter2"}`))
	assert.Equal(t, "hunter2", Secret(`{"username":"svc","password":"hunter2"}`))
	// JSON without a password field stays verbatim.
	assert.Equal(t, `{"username":"svc"}`, Secret(`{"username":"svc"}`))
	assert.Equal(t, "", Secret(""))
}

func TestFillSecret(t *testing.T) {
	template := "postgres://svc:{}@db:5432/queue"

	assert.Equal(t, template, FillSecret(template, ""))
	assert.Equal(t,
		"postgres://svc:hunter2@db:5432/queue",
		FillSecret(template, `{"password":"hunter2"}`))
	assert.Equal(t,
		"postgres://svc:hunter2@db:5432/queue",
		FillSecret(template, "hunter2"))
	// No placeholder, nothing to substitute.
	assert.Equal(t, "postgres://db/queue", FillSecret("postgres://db/queue", "hunter2"))
}
