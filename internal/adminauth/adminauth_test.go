package adminauth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	auth, err := New("correct-horse-battery-staple")
	require.NoError(t, err)

	token, err := auth.IssueToken()
	require.NoError(t, err)
	assert.True(t, auth.Verify(token))
}

func TestVerify_RejectsTamperedToken(t *testing.T) {
	auth, err := New("correct-horse-battery-staple")
	require.NoError(t, err)

	token, err := auth.IssueToken()
	require.NoError(t, err)

	replacement := "0"
	if token[len(token)-1] == '0' {
		replacement = "1"
	}
	tampered := token[:len(token)-1] + replacement
	assert.False(t, auth.Verify(tampered))
}

func TestVerify_RejectsTokenFromDifferentSecret(t *testing.T) {
	authA, err := New("secret-a")
	require.NoError(t, err)
	authB, err := New("secret-b")
	require.NoError(t, err)

	token, err := authA.IssueToken()
	require.NoError(t, err)
	assert.False(t, authB.Verify(token))
}

func TestVerify_RejectsMalformedToken(t *testing.T) {
	auth, err := New("correct-horse-battery-staple")
	require.NoError(t, err)

	assert.False(t, auth.Verify("not-a-token"))
	assert.False(t, auth.Verify(""))
	assert.False(t, auth.Verify("zz.zz"))
}

func TestNew_RejectsEmptySecret(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}
