package autherr

// Code is a stable machine-readable failure identifier. Codes cross the
// public boundary verbatim so clients can branch on them.
type Code string

const (
	// General
	CodeInternal      Code = "INTERNAL_ERROR"
	CodeInvalidParams Code = "INVALID_PARAMS"
	CodeNetwork       Code = "NETWORK_ERROR"
	CodeTimeout       Code = "TIMEOUT"

	// Auth flow
	CodeFlowNotFound         Code = "AUTH_FLOW_NOT_FOUND"
	CodeFlowCancelled        Code = "AUTH_FLOW_CANCELLED"
	CodeFlowCompleted        Code = "AUTH_FLOW_COMPLETED"
	CodeAuthInProgress       Code = "AUTH_IN_PROGRESS"
	CodeAuthValidationFailed Code = "AUTH_VALIDATION_FAILED"

	// Platform
	CodeUnknownPlatform    Code = "UNKNOWN_PLATFORM"
	CodePlatformNotInList  Code = "PLATFORM_NOT_IN_LIST"
	CodePlatformAuthFailed Code = "PLATFORM_AUTH_FAILED"
	CodeNoValidPlatforms   Code = "NO_VALID_PLATFORMS"

	// Browser
	CodeBrowserLaunchFailed    Code = "BROWSER_LAUNCH_FAILED"
	CodeBrowserConnectionLost  Code = "BROWSER_CONNECTION_LOST"
	CodeElementNotFound        Code = "ELEMENT_NOT_FOUND"
	CodeElementNotInteractable Code = "ELEMENT_NOT_INTERACTABLE"

	// Login
	CodeLoginRequired      Code = "LOGIN_REQUIRED"
	CodeCaptchaRequired    Code = "CAPTCHA_REQUIRED"
	CodeLoginFailed        Code = "LOGIN_FAILED"
	CodeVerificationFailed Code = "VERIFICATION_FAILED"

	// Session storage
	CodeSessionNotFound     Code = "SESSION_NOT_FOUND"
	CodeSessionInvalid      Code = "SESSION_INVALID"
	CodeSessionExpired      Code = "SESSION_EXPIRED"
	CodeSessionSaveFailed   Code = "SESSION_SAVE_FAILED"
	CodeSessionCorrupt      Code = "SESSION_CORRUPT"
	CodeStorageStateError   Code = "STORAGE_STATE_ERROR"
	CodeStorageStateInvalid Code = "STORAGE_STATE_INVALID"

	// External account store
	CodeCommitFailed Code = "COMMIT_FAILED"

	// User
	CodeUserCancelled Code = "USER_CANCELLED"
	CodeUserTimeout   Code = "USER_TIMEOUT"
)

// Severity ranks how loudly a failure should be reported.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityError    Severity = "error"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

var messages = map[Code]string{
	CodeInternal:               "internal error",
	CodeInvalidParams:          "invalid parameters",
	CodeNetwork:                "network connection failed",
	CodeTimeout:                "operation timed out",
	CodeFlowNotFound:           "auth flow not found or expired",
	CodeFlowCancelled:          "auth flow was cancelled",
	CodeFlowCompleted:          "auth flow already completed",
	CodeAuthInProgress:         "authorization still in progress",
	CodeAuthValidationFailed:   "authorization could not be verified",
	CodeUnknownPlatform:        "unknown platform",
	CodePlatformNotInList:      "platform is not part of this auth flow",
	CodePlatformAuthFailed:     "platform authorization failed",
	CodeNoValidPlatforms:       "no valid platforms requested",
	CodeBrowserLaunchFailed:    "browser could not be launched",
	CodeBrowserConnectionLost:  "browser connection lost",
	CodeElementNotFound:        "page element not found",
	CodeElementNotInteractable: "page element not interactable",
	CodeLoginRequired:          "login required",
	CodeCaptchaRequired:        "captcha verification required",
	CodeLoginFailed:            "login failed",
	CodeVerificationFailed:     "verification failed",
	CodeSessionNotFound:        "session not found",
	CodeSessionInvalid:         "session is invalid",
	CodeSessionExpired:         "session has expired",
	CodeSessionSaveFailed:      "session could not be saved",
	CodeSessionCorrupt:         "stored session is corrupt, re-authorization required",
	CodeStorageStateError:      "storage state could not be read",
	CodeStorageStateInvalid:    "storage state is invalid",
	CodeCommitFailed:           "account status update could not be committed",
	CodeUserCancelled:          "cancelled by user",
	CodeUserTimeout:            "user did not finish in time",
}

var severities = map[Code]Severity{
	CodeInternal:            SeverityCritical,
	CodeBrowserLaunchFailed: SeverityCritical,
	CodeLoginFailed:         SeverityCritical,

	CodeNetwork:            SeverityError,
	CodeTimeout:            SeverityError,
	CodePlatformAuthFailed: SeverityError,
	CodeSessionSaveFailed:  SeverityError,
	CodeCommitFailed:       SeverityError,

	CodeCaptchaRequired: SeverityWarning,
	CodeElementNotFound: SeverityWarning,
	CodeUserTimeout:     SeverityWarning,
	CodeSessionCorrupt:  SeverityWarning,

	CodeUserCancelled: SeverityInfo,
	CodeFlowCancelled: SeverityInfo,
}

var temporary = map[Code]bool{
	CodeNetwork:               true,
	CodeTimeout:               true,
	CodeBrowserConnectionLost: true,
	CodeElementNotFound:       true,
}

var permanent = map[Code]bool{
	CodeInvalidParams:     true,
	CodeUnknownPlatform:   true,
	CodePlatformNotInList: true,
	CodeCaptchaRequired:   true,
	CodeLoginFailed:       true,
	CodeUserCancelled:     true,
}

// Message returns the default human-readable message for a code.
func (c Code) Message() string {
	if m, ok := messages[c]; ok {
		return m
	}
	return string(c)
}

// Severity returns the reporting severity. Unlisted codes are errors.
func (c Code) Severity() Severity {
	if s, ok := severities[c]; ok {
		return s
	}
	return SeverityError
}

// Temporary reports whether a retry may succeed.
func (c Code) Temporary() bool {
	return temporary[c]
}

// Permanent reports whether the failure needs different input or a human.
func (c Code) Permanent() bool {
	return permanent[c]
}
