package provider

import "github.com/entroline/entroline/internal/resultkind"

// Metadata keys the external checkout/portal creation component is
// contractually required to stamp onto provider-side objects (§4.2, §6).
const (
	MetadataTenantID = "tenant_id"
	MetadataUserID   = "user_id"
)

// RequireTenantAndUser extracts tenant_id and user_id from a metadata map,
// returning a Permanent resultkind.Error if either is missing — processors
// must never guess these values (§4.2).
func RequireTenantAndUser(metadata map[string]string) (tenantID, userID string, err error) {
	tenantID = metadata[MetadataTenantID]
	userID = metadata[MetadataUserID]
	if tenantID == "" || userID == "" {
		return "", "", resultkind.New(resultkind.Permanent, "event metadata missing tenant_id or user_id")
	}
	return tenantID, userID, nil
}
