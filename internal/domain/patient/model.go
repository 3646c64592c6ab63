package patient

import (
	"time"

	"github.com/google/uuid"
)

const (
	UnknownPatientMRN = "UNKNOWN_PATIENT"
	AnonymousName     = "Anonymous Patient"
	// NoIDPrefix marks natural keys derived from the name when no
	// PatientID was supplied.
	NoIDPrefix = "NOID-"
)

type Patient struct {
	ID             uuid.UUID  `json:"id"`
	OrganizationID uuid.UUID  `json:"organizationId"`
	MRN            string     `json:"mrn"`
	DisplayName    string     `json:"displayName"`
	RawName        string     `json:"rawName"`
	FirstName      string     `json:"firstName,omitempty"`
	LastName       string     `json:"lastName,omitempty"`
	MiddleName     string     `json:"middleName,omitempty"`
	Prefix         string     `json:"prefix,omitempty"`
	Suffix         string     `json:"suffix,omitempty"`
	Sex            string     `json:"sex"`
	BirthDate      *time.Time `json:"birthDate,omitempty"`
	Anonymous      bool       `json:"anonymous"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

func (p *Patient) applyName(n Name) {
	p.DisplayName = n.Display
	p.RawName = n.Raw
	p.FirstName = n.First
	p.LastName = n.Last
	p.MiddleName = n.Middle
	p.Prefix = n.Prefix
	p.Suffix = n.Suffix
	p.Anonymous = n.Anonymous
}
