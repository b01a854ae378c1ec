package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(args ...string) (string, error) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommandListsSubcommands(t *testing.T) {
	out, err := run("--help")
	require.NoError(t, err)
	for _, name := range []string{"migrate", "sweep", "resolve", "relay", "audit", "token"} {
		assert.Contains(t, out, name)
	}
}

func TestResolveValidatesArguments(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing status", []string{"resolve", "3f1c0000-0000-0000-0000-000000000000", "--operator", "9a2b0000-0000-0000-0000-000000000000"}, "accepts 2 arg(s)"},
		{"missing operator", []string{"resolve", "3f1c0000-0000-0000-0000-000000000000", "paid"}, "operator"},
		{"bad id", []string{"resolve", "nope", "paid", "--operator", "9a2b0000-0000-0000-0000-000000000000"}, "invalid transaction id"},
		{"bad operator", []string{"resolve", "3f1c0000-0000-0000-0000-000000000000", "paid", "--operator", "ops"}, "invalid --operator"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestTokenRejectsBadUserID(t *testing.T) {
	_, err := run("token", "not-a-uuid")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid user id")
}

func TestAuditVerifyRejectsBadRange(t *testing.T) {
	_, err := run("audit", "verify", "--from", "yesterday")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --from")
}
