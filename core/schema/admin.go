package schema

import "embed"

//go:embed admin
var adminFS embed.FS

// ids of the embedded schemas for admin and account request bodies
const (
	QueryDefinition      = "https://bastion.relabs.tech/schemas/query-definition.json"
	APIKey               = "https://bastion.relabs.tech/schemas/api-key.json"
	Hook                 = "https://bastion.relabs.tech/schemas/hook.json"
	NotificationRule     = "https://bastion.relabs.tech/schemas/notification-rule.json"
	RealtimeSubscription = "https://bastion.relabs.tech/schemas/realtime-subscription.json"
	PushSubscription     = "https://bastion.relabs.tech/schemas/push-subscription.json"
	Provider             = "https://bastion.relabs.tech/schemas/provider.json"
	AdminLogin           = "https://bastion.relabs.tech/schemas/admin-login.json"
	OAuthCallback        = "https://bastion.relabs.tech/schemas/oauth-callback.json"
)

// NewAdminValidator returns a validator for the embedded request body schemas
func NewAdminValidator() (*Validator, error) {
	return NewValidatorFromFS(adminFS, "admin")
}

// Merge adds all schemas of other to v. Schemas of other replace those with
// the same id.
func (v *Validator) Merge(other *Validator) {
	if other == nil {
		return
	}
	for id, s := range other.schemaValidators {
		v.schemaValidators[id] = s
	}
}
