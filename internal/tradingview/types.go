package tradingview

import "fmt"

const (
	CodeValidation          = "VALIDATION"
	CodeAuthFailed          = "AUTH_FAILED"
	CodeUpstreamStatus      = "UPSTREAM_STATUS"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeBadResponse         = "BAD_RESPONSE"
)

// CodedError is a typed error used for stable API mapping.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

func newError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// Status is the outcome of the most recent upstream call for a record.
type Status string

const (
	StatusPending Status = "Pending"
	StatusSuccess Status = "Success"
	StatusFailure Status = "Failure"
)

// AccessRecord describes the access relationship between one TradingView
// username and one Pine script. Records are built fresh per lookup and
// mutated by grant/revoke to reflect the latest upstream outcome.
type AccessRecord struct {
	PineID   string `json:"pine_id"`
	Username string `json:"username"`

	HasAccess    bool `json:"hasAccess"`
	NoExpiration bool `json:"noExpiration"`

	// CurrentExpiration is always populated in wire format, defaulting to
	// "now" when no access exists, so extension math always has a base.
	CurrentExpiration string `json:"currentExpiration"`

	Status Status `json:"status"`
}

// UserCheck is the result of a username validation.
type UserCheck struct {
	ValidUser        bool   `json:"validuser"`
	VerifiedUserName string `json:"verifiedUserName"`
}

// Endpoints pins the handful of private TradingView URLs this service
// drives. The shapes behind them are an unversioned contract; keeping them
// injectable lets tests substitute a fake platform.
type Endpoints struct {
	SignIn       string
	Coins        string
	UsernameHint string
	ListUsers    string
	AddAccess    string
	ModifyAccess string
	RemoveAccess string

	// Origin is sent as the origin/referer header on every call.
	Origin string
}

// DefaultEndpoints returns the production TradingView endpoints.
func DefaultEndpoints() Endpoints {
	const base = "https://www.tradingview.com"
	return Endpoints{
		SignIn:       base + "/accounts/signin/",
		Coins:        base + "/tvcoins/details/",
		UsernameHint: base + "/username_hint/",
		ListUsers:    base + "/pine_perm/list_users/",
		AddAccess:    base + "/pine_perm/add/",
		ModifyAccess: base + "/pine_perm/modify_user_expiration/",
		RemoveAccess: base + "/pine_perm/remove/",
		Origin:       base,
	}
}
