package agent

import (
	"context"
	"testing"

	"github.com/adred-codev/collector/internal/dispatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParser_Parse(t *testing.T) {
	rc := &dispatch.RequestContext{
		Method:      "POST",
		Target:      "/Report/extra",
		Query:       "a=1&b=two",
		Cookie:      "theme=dark; sid=abc-123",
		ContentType: "application/json; charset=utf-8",
		Body:        []byte(`{"ok":true}`),
		PeerAddr:    "198.51.100.4",
		Headers:     dispatch.EncodeHeaderLines([]string{"Host: collector", "X-Agent: v2", "x-agent: v3"}),
	}

	env, err := NewParser().Parse(context.Background(), rc)
	require.NoError(t, err)

	assert.Equal(t, "report", env.Action)
	assert.Equal(t, "abc-123", env.SessionID)
	assert.Equal(t, "two", env.Params.Get("b"))
	assert.Equal(t, "collector", env.Headers["host"])
	assert.Equal(t, "v2, v3", env.Headers["x-agent"])
	assert.True(t, env.JSON)
	assert.Same(t, rc, env.Request)
}

func TestParser_SessionFromQueryWhenNoCookie(t *testing.T) {
	env, err := NewParser().Parse(context.Background(), &dispatch.RequestContext{
		Target: "/beacon",
		Query:  "sid=from-query",
	})
	require.NoError(t, err)
	assert.Equal(t, "from-query", env.SessionID)
	assert.Equal(t, "beacon", env.Action)
}

func TestParser_NoHeadersDecodesToEmpty(t *testing.T) {
	env, err := NewParser().Parse(context.Background(), &dispatch.RequestContext{Target: "/"})
	require.NoError(t, err)
	assert.Empty(t, env.Headers)
	assert.Equal(t, "", env.Action)
	assert.False(t, env.JSON)
}

func TestParser_NonJSONBodyIsNotValidated(t *testing.T) {
	env, err := NewParser().Parse(context.Background(), &dispatch.RequestContext{
		Target:      "/report",
		ContentType: "text/plain",
		Body:        []byte("{not json"),
	})
	require.NoError(t, err)
	assert.False(t, env.JSON)
}

func TestParser_MalformedInput(t *testing.T) {
	tests := []struct {
		name string
		rc   *dispatch.RequestContext
	}{
		{"header without colon", &dispatch.RequestContext{Headers: "Host: a\x00garbage"}},
		{"empty header name", &dispatch.RequestContext{Headers: ": value"}},
		{"bad query", &dispatch.RequestContext{Query: "a=%zz"}},
		{"bad json", &dispatch.RequestContext{ContentType: "application/json", Body: []byte("{")}},
		{"bad cookie", &dispatch.RequestContext{Cookie: "sid"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewParser().Parse(context.Background(), tt.rc)
			assert.Error(t, err)
		})
	}
}

func TestIsJSON(t *testing.T) {
	assert.True(t, isJSON("application/json"))
	assert.True(t, isJSON("application/vnd.agent+json"))
	assert.False(t, isJSON("text/plain"))
	assert.False(t, isJSON(""))
	assert.False(t, isJSON(";;"))
}
