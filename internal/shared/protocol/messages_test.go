package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	shared "NetDispatch/internal/shared/models"
)

func TestPeekType(t *testing.T) {
	data, err := json.Marshal(NewHeartbeat([]string{"::1"}, 42))
	require.NoError(t, err)

	typ, err := PeekType(data)
	require.NoError(t, err)
	assert.Equal(t, TypeHeartbeat, typ)
}

func TestPeekType_Malformed(t *testing.T) {
	_, err := PeekType([]byte("not json"))
	assert.Error(t, err)

	_, err = PeekType([]byte(`{"no_type":1}`))
	assert.Error(t, err)
}

func TestRegisterRoundTrip(t *testing.T) {
	in := NewRegister("a1", "host1", "1.0.0", []string{"2001:db9::1", "10.0.0.1"})

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out Register
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, *in, out)
}

func TestDispatchRoundTrip(t *testing.T) {
	in := &Dispatch{
		Type:       TypeDispatch,
		JobID:      "j1",
		SourceIP:   "2001:db9::1",
		Method:     "POST",
		URL:        "http://example.test/x",
		Headers:    map[string]string{"X-Test": "1"},
		Body:       json.RawMessage(`{"k":"v"}`),
		TimeoutSec: 12.5,
	}

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out Dispatch
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in.JobID, out.JobID)
	assert.Equal(t, in.Headers, out.Headers)
	assert.JSONEq(t, string(in.Body), string(out.Body))
	assert.Equal(t, in.TimeoutSec, out.TimeoutSec)
}

func TestErrorFrameCarriesKindVerbatim(t *testing.T) {
	in := NewError("j1", shared.KindBindError, "cannot assign requested address")

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out Error
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, shared.KindBindError, out.Kind)
	assert.Equal(t, "cannot assign requested address", out.Message)
}

func TestUnknownTypeStillPeeks(t *testing.T) {
	typ, err := PeekType([]byte(`{"type":"future_frame","x":1}`))
	require.NoError(t, err)
	assert.Equal(t, "future_frame", typ)
}
