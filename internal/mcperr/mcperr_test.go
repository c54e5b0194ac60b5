package mcperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Message(t *testing.T) {
	err := Connection("connect", errors.New("connection refused"))
	assert.Equal(t, "connect: connection: connection refused", err.Error())

	tagged := WithServer(err, "fs")
	assert.Equal(t, "[fs] connect: connection: connection refused", tagged.Error())
	assert.Empty(t, err.Server, "WithServer copies")
}

func TestError_IsMatchesKindSentinel(t *testing.T) {
	err := fmt.Errorf("call read: %w", Timeout("tools/call", context.DeadlineExceeded))

	assert.True(t, errors.Is(err, ErrTimeout))
	assert.True(t, IsTimeout(err))
	assert.False(t, errors.Is(err, ErrConnection))
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "cause stays reachable")
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{ToolNotFound("fs:read"), KindToolNotFound},
		{ResourceNotFound("file:///x"), KindResourceNotFound},
		{Security("tools/call", errors.New("denied")), KindSecurity},
		{errors.Join(errors.New("plain"), Configuration("validate", nil)), KindConfiguration},
		{errors.New("plain"), KindUnknown},
		{nil, KindUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KindOf(tt.err), "%v", tt.err)
	}
}

func TestWithServer_KeepsExistingServer(t *testing.T) {
	err := WithServer(Protocol("decode", nil), "a")
	assert.Same(t, err, WithServer(err, "b"))

	plain := errors.New("plain")
	assert.Same(t, plain, WithServer(plain, "a"))
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "tool_not_found", KindToolNotFound.String())
	assert.Equal(t, "unknown", Kind(42).String())
}
