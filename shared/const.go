package shared

const (
	UserID   = "user_id"
	ClientIP = "client_ip"

	KeyTypeUser = "user"
	KeyTypeIP   = "ip"

	// Modules with a seeded default policy.
	ModuleAuthLogin = "auth-login"
	ModuleChat      = "chat"
	ModuleAds       = "ads"
	ModuleAPI       = "api-general"
	ModuleAPIStrict = "api-strict"
)
