package models

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvertisementValidate(t *testing.T) {
	valid := Advertisement{
		AdvertisementID: "p1/FUNCTION/add",
		Kind:            KindFunction,
		Name:            "add",
		ProviderID:      "p1",
		Payload:         `{"capabilities":["math"]}`,
	}

	t.Run("valid", func(t *testing.T) {
		a := valid
		require.NoError(t, a.Validate())
	})

	t.Run("payload at limit accepted", func(t *testing.T) {
		a := valid
		a.Payload = strings.Repeat("x", MaxPayload)
		require.NoError(t, a.Validate())
	})

	t.Run("payload one byte over rejected", func(t *testing.T) {
		a := valid
		a.Payload = strings.Repeat("x", MaxPayload+1)
		err := a.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "payload")
	})

	t.Run("missing provider rejected", func(t *testing.T) {
		a := valid
		a.ProviderID = ""
		require.Error(t, a.Validate())
	})

	t.Run("oversized name rejected", func(t *testing.T) {
		a := valid
		a.Name = strings.Repeat("n", MaxName+1)
		require.Error(t, a.Validate())
	})
}

func TestPayloadDecoding(t *testing.T) {
	t.Run("function payload", func(t *testing.T) {
		a := &Advertisement{
			AdvertisementID: "p1/FUNCTION/add",
			Kind:            KindFunction,
			Payload:         `{"capabilities":["math","idempotent"],"service_name":"calculator"}`,
		}
		p, err := FunctionPayloadOf(a)
		require.NoError(t, err)
		assert.Equal(t, []string{"math", "idempotent"}, p.Capabilities)
		assert.Equal(t, "calculator", p.ServiceName)
	})

	t.Run("kind mismatch", func(t *testing.T) {
		a := &Advertisement{AdvertisementID: "x", Kind: KindAgent, Payload: `{}`}
		_, err := FunctionPayloadOf(a)
		require.Error(t, err)
	})

	t.Run("agent payload default capable", func(t *testing.T) {
		a := &Advertisement{
			AdvertisementID: "p2/AGENT/primary",
			Kind:            KindAgent,
			Payload:         `{"default_capable":true,"specializations":["general"]}`,
		}
		p, err := AgentPayloadOf(a)
		require.NoError(t, err)
		assert.True(t, p.DefaultCapable)
	})

	t.Run("malformed json", func(t *testing.T) {
		a := &Advertisement{AdvertisementID: "x", Kind: KindRegistration, Payload: `{`}
		_, err := ServicePayloadOf(a)
		require.Error(t, err)
	})
}

func TestAdvertisementID(t *testing.T) {
	id := AdvertisementID("prov-1", KindFunction, "add")
	assert.Equal(t, "prov-1/FUNCTION/add", id)
	// The id doubles as the topic instance key.
	a := &Advertisement{AdvertisementID: id}
	assert.Equal(t, id, a.Key())
}

func TestRequestValidate(t *testing.T) {
	r := Request{CorrelationID: "c-1", From: "p1", Operation: "add", Arguments: `{"x":2,"y":3}`}
	require.NoError(t, r.Validate())

	r.Arguments = strings.Repeat("a", MaxArguments+1)
	require.Error(t, r.Validate())

	r = Request{From: "p1", Operation: "add"}
	require.Error(t, r.Validate(), "missing correlation id")
}

func TestEdgeElementID(t *testing.T) {
	assert.Equal(t, "a->b/INTERFACE_TO_AGENT", EdgeElementID("a", "b", "INTERFACE_TO_AGENT"))
}
