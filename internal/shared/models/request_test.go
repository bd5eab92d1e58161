package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestConfig_EncodeDecodeIdempotent(t *testing.T) {
	raw := []byte(`{"url":"http://example.test/path","method":"POST","headers":{"X-A":"1"},"params":{"q":"x"},"body":{"k":"v"},"timeout":12.5}`)

	var cfg RequestConfig
	require.NoError(t, json.Unmarshal(raw, &cfg))

	encoded, err := json.Marshal(&cfg)
	require.NoError(t, err)

	var again RequestConfig
	require.NoError(t, json.Unmarshal(encoded, &again))

	reencoded, err := json.Marshal(&again)
	require.NoError(t, err)

	assert.JSONEq(t, string(encoded), string(reencoded))
	assert.JSONEq(t, string(raw), string(encoded))
}

func TestRequestConfig_CloneIsDeep(t *testing.T) {
	cfg := &RequestConfig{
		URL:     "http://example.test",
		Method:  "GET",
		Headers: map[string]string{"X-A": "1"},
		Body:    json.RawMessage(`"text"`),
	}

	clone := cfg.Clone()
	clone.Headers["X-A"] = "2"
	clone.Body[1] = 'x'

	assert.Equal(t, "1", cfg.Headers["X-A"])
	assert.Equal(t, json.RawMessage(`"text"`), cfg.Body)
}

func TestRequestConfig_CloneNil(t *testing.T) {
	var cfg *RequestConfig
	assert.Nil(t, cfg.Clone())
}

func TestDispatchError_HTTPStatus(t *testing.T) {
	cases := map[ErrorKind]int{
		KindInvalidRequest:        400,
		KindCancelled:             499,
		KindNoAgentsAvailable:     503,
		KindAgentsSaturated:       503,
		KindCoordinatorOverloaded: 503,
		KindAgentLost:             503,
		KindAgentReplaced:         503,
		KindTimeout:               504,
		KindBindError:             502,
		KindDNSError:              502,
		KindOther:                 502,
	}

	for kind, want := range cases {
		err := NewDispatchError(kind, "x")
		assert.Equal(t, want, err.HTTPStatus(), "kind %s", kind)
	}
}
