// Package opportunity defines the harvested record model: an opportunity
// keyed by its source notice ID, its owned contacts, and the normalization
// applied before records are stored.
package opportunity

import (
	"strings"
	"time"
)

// Record is one harvested opportunity. Every field other than NoticeID is
// optional because the source omits fields freely.
type Record struct {
	NoticeID            string   `json:"notice_id"`
	Title               *string  `json:"title,omitempty"`
	SolicitationNumber  *string  `json:"solicitation_number,omitempty"`
	Department          *string  `json:"department,omitempty"`
	SubTier             *string  `json:"sub_tier,omitempty"`
	Office              *string  `json:"office,omitempty"`
	FullParentPathName  *string  `json:"full_parent_path_name,omitempty"`
	OrganizationType    *string  `json:"organization_type,omitempty"`
	Type                *string  `json:"type,omitempty"`
	BaseType            *string  `json:"base_type,omitempty"`
	PostedDate          *string  `json:"posted_date,omitempty"`
	ResponseDeadline    *string  `json:"response_deadline,omitempty"`
	ArchiveDate         *string  `json:"archive_date,omitempty"`
	NAICSCode           *string  `json:"naics_code,omitempty"`
	ClassificationCode  *string  `json:"classification_code,omitempty"`
	SetAside            *string  `json:"set_aside,omitempty"`
	SetAsideDescription *string  `json:"set_aside_description,omitempty"`
	Description         *string  `json:"description,omitempty"`
	UILink              *string  `json:"ui_link,omitempty"`
	Active              *string  `json:"active,omitempty"`
	ResourceLinks       []string `json:"resource_links,omitempty"`
	Award               Award    `json:"award"`
	Place               Place    `json:"place_of_performance"`

	Contacts []Contact `json:"contacts,omitempty"`

	FirstSeenAt time.Time `json:"first_seen_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Award is the flattened award block of an award notice.
type Award struct {
	Amount      *string `json:"amount,omitempty"`
	Date        *string `json:"date,omitempty"`
	Number      *string `json:"number,omitempty"`
	AwardeeName *string `json:"awardee_name,omitempty"`
	AwardeeDUNS *string `json:"awardee_duns,omitempty"`
	AwardeeUEI  *string `json:"awardee_uei_sam,omitempty"`
}

// Place is the place of performance.
type Place struct {
	StateCode   *string `json:"state_code,omitempty"`
	StateName   *string `json:"state_name,omitempty"`
	CityCode    *string `json:"city_code,omitempty"`
	CityName    *string `json:"city_name,omitempty"`
	CountryCode *string `json:"country_code,omitempty"`
	CountryName *string `json:"country_name,omitempty"`
	Zip         *string `json:"zip,omitempty"`
}

// Contact is a point of contact owned by a Record. Contacts are replaced as
// a set whenever their Record is upserted.
type Contact struct {
	Type     *string `json:"type,omitempty"`
	FullName *string `json:"full_name,omitempty"`
	Email    *string `json:"email,omitempty"`
	Phone    *string `json:"phone,omitempty"`
	Title    *string `json:"title,omitempty"`
}

// IsActive reports whether the source flagged the record active. The flag is
// taken as provided; no date logic is applied.
func (r *Record) IsActive() bool {
	return r.Active != nil && strings.EqualFold(strings.TrimSpace(*r.Active), "yes")
}

// Str returns a pointer to s, or nil when s is blank.
func Str(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
