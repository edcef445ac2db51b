package registration

import (
	"strings"
	"time"
)

const (
	// CollectionRegistrations holds one document per candidate, keyed by candidate id.
	CollectionRegistrations = "registrations"
	// CollectionCounters holds one sequence counter per recruitment period.
	CollectionCounters = "counters"
	// CollectionConfigs holds singleton configuration documents.
	CollectionConfigs = "configs"
	// SettingsDocumentID addresses the recruitment settings singleton.
	SettingsDocumentID = "recruitment_settings"
)

// Status is the registration state machine position.
type Status string

const (
	StatusDraft             Status = "draft"
	StatusFormSubmitted     Status = "form_submitted"
	StatusFormVerified      Status = "form_verified"
	StatusDocumentsUploaded Status = "documents_uploaded"
	StatusDocumentsVerified Status = "documents_verified"
	StatusPaymentPending    Status = "payment_pending"
	StatusVerified          Status = "verified"
	StatusRejected          Status = "rejected"
)

var statusRank = map[Status]int{
	StatusDraft:             0,
	StatusFormSubmitted:     1,
	StatusFormVerified:      2,
	StatusDocumentsUploaded: 3,
	StatusDocumentsVerified: 4,
	StatusPaymentPending:    5,
	StatusVerified:          6,
}

// ParseStatus validates a raw status value.
func ParseStatus(raw string) (Status, bool) {
	status := Status(strings.ToLower(strings.TrimSpace(raw)))
	if status == StatusRejected {
		return status, true
	}
	_, ok := statusRank[status]
	return status, ok
}

// Step identifies one of the three verifiable registration steps.
type Step int

const (
	StepFormData  Step = 1
	StepDocuments Step = 2
	StepPayment   Step = 3
)

// Valid reports whether the step number is 1, 2 or 3.
func (s Step) Valid() bool {
	return s >= StepFormData && s <= StepPayment
}

// SubmittedStatus is the status reached when the candidate submits this step.
func (s Step) SubmittedStatus() Status {
	switch s {
	case StepFormData:
		return StatusFormSubmitted
	case StepDocuments:
		return StatusDocumentsUploaded
	default:
		return StatusPaymentPending
	}
}

// VerifiedStatus is the status reached when an admin approves this step.
func (s Step) VerifiedStatus() Status {
	switch s {
	case StepFormData:
		return StatusFormVerified
	case StepDocuments:
		return StatusDocumentsVerified
	default:
		return StatusVerified
	}
}

// RollbackStatus is the status a rejection of this step returns to: previous step verified.
func (s Step) RollbackStatus() Status {
	switch s {
	case StepFormData:
		return StatusDraft
	case StepDocuments:
		return StatusFormVerified
	default:
		return StatusDocumentsVerified
	}
}

// StepVerificationData records an admin decision on one step.
type StepVerificationData struct {
	Verified        bool       `json:"verified"`
	VerifiedBy      string     `json:"verifiedBy,omitempty"`
	VerifiedAt      *time.Time `json:"verifiedAt,omitempty"`
	Notes           string     `json:"notes,omitempty"`
	RejectionReason string     `json:"rejectionReason,omitempty"`
}

// StepVerifications holds exactly the three step sub-records.
type StepVerifications struct {
	Step1FormData  StepVerificationData `json:"step1FormData"`
	Step2Documents StepVerificationData `json:"step2Documents"`
	Step3Payment   StepVerificationData `json:"step3Payment"`
}

// For returns a pointer to the sub-record of the given step.
func (v *StepVerifications) For(step Step) *StepVerificationData {
	switch step {
	case StepFormData:
		return &v.Step1FormData
	case StepDocuments:
		return &v.Step2Documents
	default:
		return &v.Step3Payment
	}
}

// Documents holds uploaded proof URLs. AllUploaded is derived, never set directly by callers.
type Documents struct {
	PhotoURL            string     `json:"photoUrl,omitempty"`
	KTMURL              string     `json:"ktmUrl,omitempty"`
	IGRobotikFollowURL  string     `json:"igRobotikFollowUrl,omitempty"`
	IGMRCFollowURL      string     `json:"igMrcFollowUrl,omitempty"`
	YoutubeSubscribeURL string     `json:"youtubeSubscribeUrl,omitempty"`
	UploadedAt          *time.Time `json:"uploadedAt,omitempty"`
	AllUploaded         bool       `json:"allUploaded"`
	Verified            bool       `json:"verified,omitempty"`
	VerifiedBy          string     `json:"verifiedBy,omitempty"`
	VerifiedAt          *time.Time `json:"verifiedAt,omitempty"`
	RejectionReason     string     `json:"rejectionReason,omitempty"`
}

// ComputeAllUploaded reports whether every required document is present. The KTM card is optional.
func ComputeAllUploaded(documents Documents) bool {
	required := []string{
		documents.PhotoURL,
		documents.IGRobotikFollowURL,
		documents.IGMRCFollowURL,
		documents.YoutubeSubscribeURL,
	}
	for _, url := range required {
		if strings.TrimSpace(url) == "" {
			return false
		}
	}
	return true
}

// PaymentMethod enumerates accepted payment channels.
type PaymentMethod string

const (
	PaymentTransfer PaymentMethod = "transfer"
	PaymentEWallet  PaymentMethod = "e_wallet"
	PaymentCash     PaymentMethod = "cash"
)

// Payment holds the candidate's payment details and proof.
type Payment struct {
	Method          PaymentMethod `json:"method,omitempty"`
	BankName        string        `json:"bankName,omitempty"`
	AccountNumber   string        `json:"accountNumber,omitempty"`
	AccountName     string        `json:"accountName,omitempty"`
	EWalletProvider string        `json:"ewalletProvider,omitempty"`
	EWalletNumber   string        `json:"ewalletNumber,omitempty"`
	ProofURL        string        `json:"proofUrl,omitempty"`
	ProofUploadedAt *time.Time    `json:"proofUploadedAt,omitempty"`
	Verified        bool          `json:"verified"`
	VerifiedBy      string        `json:"verifiedBy,omitempty"`
	VerifiedAt      *time.Time    `json:"verifiedAt,omitempty"`
	RejectionReason string        `json:"rejectionReason,omitempty"`
}

// Verification is the legacy top-level verification record.
type Verification struct {
	Verified        bool       `json:"verified"`
	VerifiedBy      string     `json:"verifiedBy,omitempty"`
	VerifiedAt      *time.Time `json:"verifiedAt,omitempty"`
	RejectionReason string     `json:"rejectionReason,omitempty"`
}

// PersonalData is the step 1 form payload.
type PersonalData struct {
	FullName   string `json:"fullName" validate:"required,notblank,max=120"`
	Nickname   string `json:"nickname,omitempty" validate:"max=60"`
	NIM        string `json:"nim" validate:"required,max=32"`
	Email      string `json:"email" validate:"required,email"`
	Phone      string `json:"phone" validate:"required,max=24"`
	Faculty    string `json:"faculty,omitempty" validate:"max=120"`
	Major      string `json:"major,omitempty" validate:"max=120"`
	BatchYear  string `json:"batchYear,omitempty" validate:"omitempty,numeric,len=4"`
	Gender     string `json:"gender,omitempty" validate:"omitempty,oneof=male female"`
	BirthPlace string `json:"birthPlace,omitempty" validate:"max=120"`
	BirthDate  string `json:"birthDate,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Address    string `json:"address,omitempty" validate:"max=500"`
}

// FormData is the step 1 submission: personal data plus free-text answers.
type FormData struct {
	PersonalData
	Motivation  string `json:"motivation" validate:"required,notblank,max=4000"`
	Experience  string `json:"experience,omitempty" validate:"max=4000"`
	Achievement string `json:"achievement,omitempty" validate:"max=4000"`
}

// DocumentUploads is the step 2 payload. Empty values keep what was uploaded before.
type DocumentUploads struct {
	PhotoURL            string `json:"photoUrl,omitempty" validate:"omitempty,url"`
	KTMURL              string `json:"ktmUrl,omitempty" validate:"omitempty,url"`
	IGRobotikFollowURL  string `json:"igRobotikFollowUrl,omitempty" validate:"omitempty,url"`
	IGMRCFollowURL      string `json:"igMrcFollowUrl,omitempty" validate:"omitempty,url"`
	YoutubeSubscribeURL string `json:"youtubeSubscribeUrl,omitempty" validate:"omitempty,url"`
}

// PaymentDetails is the step 3 payload.
type PaymentDetails struct {
	Method          PaymentMethod `json:"method" validate:"required,oneof=transfer e_wallet cash"`
	BankName        string        `json:"bankName,omitempty" validate:"required_if=Method transfer"`
	AccountNumber   string        `json:"accountNumber,omitempty" validate:"required_if=Method transfer"`
	AccountName     string        `json:"accountName,omitempty" validate:"required_if=Method transfer"`
	EWalletProvider string        `json:"ewalletProvider,omitempty" validate:"required_if=Method e_wallet"`
	EWalletNumber   string        `json:"ewalletNumber,omitempty" validate:"required_if=Method e_wallet"`
	ProofURL        string        `json:"proofUrl" validate:"required,url"`
}

// Registration is one candidate's application in one recruitment period.
type Registration struct {
	ID                string            `json:"id"`
	OrPeriod          string            `json:"orPeriod"`
	OrYear            string            `json:"orYear"`
	RegistrationID    string            `json:"registrationId"`
	Status            Status            `json:"status"`
	StepVerifications StepVerifications `json:"stepVerifications"`
	PersonalData      PersonalData      `json:"personalData"`
	Motivation        string            `json:"motivation,omitempty"`
	Experience        string            `json:"experience,omitempty"`
	Achievement       string            `json:"achievement,omitempty"`
	Documents         Documents         `json:"documents"`
	Payment           Payment           `json:"payment"`
	Verification      Verification      `json:"verification"`
	CanEdit           bool              `json:"canEdit"`
	Blacklisted       bool              `json:"blacklisted,omitempty"`
	BlacklistedBy     string            `json:"blacklistedBy,omitempty"`
	BlacklistedAt     *time.Time        `json:"blacklistedAt,omitempty"`
	RejectionReason   string            `json:"rejectionReason,omitempty"`
	SubmittedAt       *time.Time        `json:"submittedAt,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// AreAllStepsVerified reports whether all three steps carry an approval.
func AreAllStepsVerified(registration Registration) bool {
	steps := registration.StepVerifications
	return steps.Step1FormData.Verified && steps.Step2Documents.Verified && steps.Step3Payment.Verified
}

// Settings is the recruitment configuration singleton.
type Settings struct {
	Prefix           string    `json:"prefix"`
	OrPeriod         string    `json:"orPeriod"`
	OrYear           string    `json:"orYear"`
	RegistrationOpen bool      `json:"registrationOpen"`
	UpdatedBy        string    `json:"updatedBy,omitempty"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

func timePointer(value time.Time) *time.Time {
	v := value
	return &v
}
