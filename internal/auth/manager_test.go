package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueThenValidateRoundTrips(t *testing.T) {
	m := NewManager("test-secret")

	token, exp, err := m.Issue("ops-user", "approver", time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 2*time.Second)

	claims, err := m.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "ops-user", claims.Subject)
	assert.Equal(t, "approver", claims.Role)
}

func TestValidateRejectsTamperedSecret(t *testing.T) {
	issuer := NewManager("secret-a")
	token, _, err := issuer.Issue("ops-user", "approver", time.Hour)
	require.NoError(t, err)

	verifier := NewManager("secret-b")
	_, err = verifier.Validate(token)
	assert.Error(t, err)
}

func TestIssueFailsWithoutSecret(t *testing.T) {
	m := NewManager("")
	_, _, err := m.Issue("ops-user", "approver", time.Hour)
	assert.Error(t, err)
}
