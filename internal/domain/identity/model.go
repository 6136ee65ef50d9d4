package identity

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound       = errors.New("identity not found")
	ErrDuplicateEmail = errors.New("user with this email already exists")
	ErrValidation     = errors.New("validation failed")
	ErrWrongPassword  = errors.New("current password is incorrect")
)

type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
	RoleGeneric Role = "generic"
)

// Variant is the account kind derived from the role tag.
type Variant string

const (
	VariantDoctor  Variant = "Doctor"
	VariantPatient Variant = "Patient"
	VariantPerson  Variant = "Person"
)

type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationApproved VerificationStatus = "approved"
	VerificationRejected VerificationStatus = "rejected"
)

func (s VerificationStatus) Valid() bool {
	switch s {
	case VerificationPending, VerificationApproved, VerificationRejected:
		return true
	}
	return false
}

type NotificationSettings struct {
	Email bool `json:"email" bson:"email"`
	SMS   bool `json:"sms" bson:"sms"`
	Push  bool `json:"push" bson:"push"`
}

// DefaultNotificationSettings is applied to new accounts.
func DefaultNotificationSettings() NotificationSettings {
	return NotificationSettings{Email: true, SMS: false, Push: true}
}

type Identity struct {
	ID                   uuid.UUID            `json:"id"`
	Email                string               `json:"email"`
	Name                 string               `json:"name"`
	ProfileImage         string               `json:"profileImage,omitempty"`
	Role                 Role                 `json:"role"`
	FirebaseUID          string               `json:"-"`
	PasswordHash         string               `json:"-"`
	Phone                string               `json:"phone,omitempty"`
	Specialization       string               `json:"specialization,omitempty"`
	VerificationStatus   VerificationStatus   `json:"verificationStatus,omitempty"`
	NotificationSettings NotificationSettings `json:"notificationSettings"`
	CreatedAt            time.Time            `json:"createdAt"`
	UpdatedAt            time.Time            `json:"updatedAt"`
}

// Variant derives the account kind. Admin and generic accounts, and records
// with no role, are Persons.
func (i *Identity) Variant() Variant {
	switch i.Role {
	case RoleDoctor:
		return VariantDoctor
	case RolePatient:
		return VariantPatient
	}
	return VariantPerson
}

// TokenRole is the role carried in session tokens. A Person without a role
// signs in as a patient.
func (i *Identity) TokenRole() Role {
	if i.Role == "" {
		return RolePatient
	}
	return i.Role
}

// IsApproved reports whether the account may pass the approval gate. Only
// doctors are ever gated.
func (i *Identity) IsApproved() bool {
	return i.Role != RoleDoctor || i.VerificationStatus == VerificationApproved
}

// NormalizeEmail lower-cases and trims an address for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// precedence orders variants for email resolution: Doctor, Patient, Person.
func precedence(v Variant) int {
	switch v {
	case VariantDoctor:
		return 0
	case VariantPatient:
		return 1
	}
	return 2
}

// ResolvePrecedence returns the candidate that wins email resolution, or nil
// when there are none. Ties keep the earliest candidate.
func ResolvePrecedence(candidates []*Identity) *Identity {
	var best *Identity
	for _, c := range candidates {
		if best == nil || precedence(c.Variant()) < precedence(best.Variant()) {
			best = c
		}
	}
	return best
}

// View is the client-facing shape of an identity. Credentials never appear
// in it; verificationStatus is only present for doctors.
type View struct {
	LegacyID             string                `json:"_id"`
	ID                   string                `json:"id"`
	Name                 string                `json:"name"`
	Email                string                `json:"email"`
	Role                 Role                  `json:"role"`
	ProfileImage         string                `json:"profileImage,omitempty"`
	Phone                string                `json:"phone,omitempty"`
	Specialization       string                `json:"specialization,omitempty"`
	VerificationStatus   VerificationStatus    `json:"verificationStatus,omitempty"`
	NotificationSettings *NotificationSettings `json:"notificationSettings,omitempty"`
}

func (i *Identity) View() *View {
	v := &View{
		LegacyID:     i.ID.String(),
		ID:           i.ID.String(),
		Name:         i.Name,
		Email:        i.Email,
		Role:         i.TokenRole(),
		ProfileImage: i.ProfileImage,
		Phone:        i.Phone,
	}
	if i.Role == RoleDoctor {
		v.Specialization = i.Specialization
		v.VerificationStatus = i.VerificationStatus
	}
	settings := i.NotificationSettings
	v.NotificationSettings = &settings
	return v
}
