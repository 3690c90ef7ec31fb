package opportunity

import (
	"strings"
	"time"
)

// DateLayout is the canonical stored form of every date field.
const DateLayout = "2006-01-02"

var sourceDateLayouts = []string{
	DateLayout,
	"01/02/2006",
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05-07",
}

// NormalizeDate converts any recognised source date form to YYYY-MM-DD,
// keeping the calendar date as written (no zone conversion). Unrecognised
// values are returned trimmed but otherwise untouched.
func NormalizeDate(s string) string {
	s = strings.TrimSpace(s)
	for _, layout := range sourceDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(DateLayout)
		}
	}
	return s
}

// Normalize cleans r in place: blank strings become absent, dates are put in
// canonical form, blank resource links are dropped and empty contacts are
// removed. It never rejects a record.
func Normalize(r *Record) {
	r.NoticeID = strings.TrimSpace(r.NoticeID)
	for _, f := range r.stringFields() {
		*f = blankToNil(*f)
	}
	for _, f := range []**string{&r.PostedDate, &r.ResponseDeadline, &r.ArchiveDate, &r.Award.Date} {
		if *f != nil {
			d := NormalizeDate(**f)
			*f = &d
		}
	}

	links := r.ResourceLinks[:0]
	for _, l := range r.ResourceLinks {
		if l = strings.TrimSpace(l); l != "" {
			links = append(links, l)
		}
	}
	if len(links) == 0 {
		links = nil
	}
	r.ResourceLinks = links

	contacts := r.Contacts[:0]
	for _, c := range r.Contacts {
		c.Type, c.FullName, c.Email = blankToNil(c.Type), blankToNil(c.FullName), blankToNil(c.Email)
		c.Phone, c.Title = blankToNil(c.Phone), blankToNil(c.Title)
		if c.Type == nil && c.FullName == nil && c.Email == nil && c.Phone == nil && c.Title == nil {
			continue
		}
		contacts = append(contacts, c)
	}
	if len(contacts) == 0 {
		contacts = nil
	}
	r.Contacts = contacts
}

func (r *Record) stringFields() []**string {
	return []**string{
		&r.Title, &r.SolicitationNumber, &r.Department, &r.SubTier, &r.Office,
		&r.FullParentPathName, &r.OrganizationType, &r.Type, &r.BaseType,
		&r.PostedDate, &r.ResponseDeadline, &r.ArchiveDate, &r.NAICSCode,
		&r.ClassificationCode, &r.SetAside, &r.SetAsideDescription,
		&r.Description, &r.UILink, &r.Active,
		&r.Award.Amount, &r.Award.Date, &r.Award.Number, &r.Award.AwardeeName,
		&r.Award.AwardeeDUNS, &r.Award.AwardeeUEI,
		&r.Place.StateCode, &r.Place.StateName, &r.Place.CityCode, &r.Place.CityName,
		&r.Place.CountryCode, &r.Place.CountryName, &r.Place.Zip,
	}
}

func blankToNil(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	if t == "" {
		return nil
	}
	return &t
}
