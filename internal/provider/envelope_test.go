package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvelope(t *testing.T) {
	body := []byte(`{"id":"evt_1","type":"checkout.session.completed","data":{"object":{}}}`)
	ev, err := ParseEnvelope(body)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, "checkout.session.completed", string(ev.Type))
}

func TestParseEnvelopeMissingID(t *testing.T) {
	_, err := ParseEnvelope([]byte(`{"type":"checkout.session.completed"}`))
	assert.Error(t, err)
}

func TestParseEnvelopeMalformedJSON(t *testing.T) {
	_, err := ParseEnvelope([]byte(`not json`))
	assert.Error(t, err)
}

func TestRequireTenantAndUser(t *testing.T) {
	_, _, err := RequireTenantAndUser(map[string]string{"tenant_id": "t1"})
	assert.Error(t, err)

	tenantID, userID, err := RequireTenantAndUser(map[string]string{"tenant_id": "t1", "user_id": "u1"})
	require.NoError(t, err)
	assert.Equal(t, "t1", tenantID)
	assert.Equal(t, "u1", userID)
}
