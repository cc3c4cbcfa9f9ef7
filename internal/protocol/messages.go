package protocol

// ClientInfo describes the requesting program. Every request carries it; the
// policy and extension evaluators and the notification templates key off it.
type ClientInfo struct {
	ProgramName    string `json:"programName"`
	ProgramVersion string `json:"programVersion"`
	Locale         string `json:"locale,omitempty"`
	OptionalInfo   string `json:"optionalInfo,omitempty"`
}

// CertificateRegistration asks for a new peer certificate.
type CertificateRegistration struct {
	ClientInfo
	Avatar   string `json:"avatar"`
	Email    string `json:"email"`
	World    string `json:"world"`
	Password string `json:"password"`
}

// EmailVerification redeems (or cancels, with Delete set) an outstanding
// email-verification code. LegacyPassword supports an older client
// generation that authenticates the verification step; when present the
// redeemed registration is issued immediately if already authorized.
type EmailVerification struct {
	ClientInfo
	Code           string `json:"code"`
	Delete         bool   `json:"deleteFlag"`
	LegacyPassword string `json:"legacyPassword,omitempty"`
}

// CertificateRequest fetches an already-issued certificate.
type CertificateRequest struct {
	ClientInfo
	AvatarOrEmail string `json:"avatarOrEmail"`
	IsEmail       bool   `json:"isEmail"`
	Password      string `json:"password"`
}

// PasswordReset starts the reset flow for an issued certificate.
type PasswordReset struct {
	ClientInfo
	AvatarOrEmail string `json:"avatarOrEmail"`
	IsEmail       bool   `json:"isEmail"`
}

// PasswordResetVerification redeems a reset code and sets a new password.
type PasswordResetVerification struct {
	ClientInfo
	Code        string `json:"code"`
	NewPassword string `json:"newPassword"`
}

// PasswordChange re-encrypts the certificate artifact under a new password.
type PasswordChange struct {
	ClientInfo
	AvatarOrEmail string `json:"avatarOrEmail"`
	IsEmail       bool   `json:"isEmail"`
	OldPassword   string `json:"oldPassword"`
	NewPassword   string `json:"newPassword"`
}

// CertificateResponse carries the issued PKCS#12 artifact.
type CertificateResponse struct {
	Pkcs12 []byte `json:"pkcs12"`
}

// EmailVerificationRequired tells the client to check its inbox.
type EmailVerificationRequired struct {
	Email string `json:"email"`
}

// CertificateAuthorizationRequired tells the client an admin must approve.
type CertificateAuthorizationRequired struct{}

// EmailVerified acknowledges a redeemed verification code for a registration
// that still awaits authorization.
type EmailVerified struct{}

// RegistrationDeleted acknowledges a cancelled registration.
type RegistrationDeleted struct{}

// PasswordResetVerificationRequired tells the client a reset code was mailed.
type PasswordResetVerificationRequired struct {
	Email string `json:"email"`
}
