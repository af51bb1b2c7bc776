package domain

// Principal is the authenticated caller resolved from an access token and its live session.
type Principal struct {
	UserID    string
	SessionID string
	DeviceID  string
	User      UserSummary
}
