package api

// StatusResponse from GET /api/
type StatusResponse struct {
	Message string `json:"message"` // "API running."
}

// ConfigResponse from GET /api/config
type ConfigResponse struct {
	LocationName string   `json:"location_name"`
	Version      string   `json:"version"`
	TimeZone     string   `json:"time_zone"`
	UnitSystem   Units    `json:"unit_system"`
	Components   []string `json:"components"`
	State        string   `json:"state"` // "RUNNING", "STARTING", ...
}

// Units is the unit system block of ConfigResponse.
type Units struct {
	Length      string `json:"length"`
	Mass        string `json:"mass"`
	Temperature string `json:"temperature"`
	Volume      string `json:"volume"`
}

// TokenResponse from POST /auth/token
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int    `json:"expires_in"` // Seconds
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token,omitempty"` // Only on authorization_code grants
}

// TokenErrorResponse is the body of a rejected token request.
type TokenErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}
