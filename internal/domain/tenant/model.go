package tenant

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Fixed identifiers of the fallback tenants.
const (
	DefaultOrgIdentifier   = "DEFAULT_ORG"
	DefaultOrgName         = "Default Test Organization"
	EmergencyOrgIdentifier = "EMERGENCY_ORG"
	EmergencyOrgName       = "Emergency Organization"
	UnknownLabIdentifier   = "UNKNOWN_LAB"
	UnknownLabName         = "Unknown Lab"
	EmergencyLabIdentifier = "EMERGENCY_LAB"
	EmergencyLabName       = "Emergency Lab"
)

type Organization struct {
	ID              uuid.UUID       `json:"id"`
	Name            string          `json:"name"`
	Identifier      string          `json:"identifier"`
	Status          string          `json:"status"`
	Features        map[string]bool `json:"features"`
	Compliance      map[string]bool `json:"compliance"`
	AutoProvisioned bool            `json:"autoProvisioned"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

func (o *Organization) IsActive() bool { return o.Status == StatusActive }

type Lab struct {
	ID              uuid.UUID `json:"id"`
	OrganizationID  uuid.UUID `json:"organizationId"`
	Name            string    `json:"name"`
	Identifier      string    `json:"identifier"`
	Active          bool      `json:"active"`
	AutoProvisioned bool      `json:"autoProvisioned"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// DefaultFeatures are granted to every auto-provisioned organization.
func DefaultFeatures() map[string]bool {
	return map[string]bool{
		"aiReporting":     false,
		"voiceDictation":  true,
		"imageViewer":     true,
		"archival":        true,
		"patientPortal":   false,
		"externalSharing": false,
	}
}

func DefaultCompliance() map[string]bool {
	return map[string]bool{
		"hipaaEnabled":     true,
		"auditLogging":     true,
		"dataRetention":    true,
		"encryptionAtRest": true,
		"requireTwoFactor": false,
		"anonymizeExports": true,
	}
}

// NewOrganization builds an active organization with default flags.
func NewOrganization(identifier, name string, auto bool) *Organization {
	return &Organization{
		Name:            name,
		Identifier:      NormalizeIdentifier(identifier),
		Status:          StatusActive,
		Features:        DefaultFeatures(),
		Compliance:      DefaultCompliance(),
		AutoProvisioned: auto,
	}
}

func NewLab(orgID uuid.UUID, identifier, name string, auto bool) *Lab {
	return &Lab{
		OrganizationID:  orgID,
		Name:            name,
		Identifier:      NormalizeIdentifier(identifier),
		Active:          true,
		AutoProvisioned: auto,
	}
}

// NormalizeIdentifier trims and uppercases a tag-supplied identifier.
func NormalizeIdentifier(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// NameFromIdentifier derives a display name: "_" and "-" become spaces and
// runs of whitespace collapse. "north_side-imaging" -> "north side imaging".
func NameFromIdentifier(raw string) string {
	r := strings.NewReplacer("_", " ", "-", " ")
	name := strings.Join(strings.Fields(r.Replace(raw)), " ")
	if name == "" {
		return strings.TrimSpace(raw)
	}
	return name
}
