package salt_test

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	. "saltypie/pkg/salt"
)

func TestErrorTaxonomy(t *testing.T) {
	sls := &SLSRenderingError{Minion: "web1", Message: "Rendering SLS 'base:nginx' failed"}
	assert.ErrorIs(t, sls, ErrSLSRendering)
	assert.ErrorIs(t, sls, ErrReturnParse)
	assert.NotErrorIs(t, sls, ErrInvalidStateReturn)
	assert.Contains(t, sls.Error(), "web1")

	invalid := &InvalidStateReturnError{Minion: "web1", Msg: "not a state return"}
	assert.ErrorIs(t, invalid, ErrInvalidStateReturn)
	assert.ErrorIs(t, invalid, ErrReturnParse)

	conn := &ConnectionError{URL: "https://master:8000", Msg: "Unable to access", Err: io.EOF}
	assert.ErrorIs(t, conn, ErrConnection)
	assert.ErrorIs(t, conn, io.EOF)
	assert.NotErrorIs(t, conn, ErrReturnParse)

	auth := &AuthenticationError{StatusCode: 401}
	assert.ErrorIs(t, auth, ErrAuthentication)
	assert.NotContains(t, auth.Error(), "salt-master")
}

func TestReturnParseError_Wrapped(t *testing.T) {
	cause := errors.New("unexpected end of JSON input")
	err := NewReturnParseError("bad return", cause)
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrReturnParse)
	assert.True(t, strings.HasPrefix(err.Error(), "bad return"))
}
