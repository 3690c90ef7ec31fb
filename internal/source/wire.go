package source

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/govscout/internal/opportunity"
)

// searchResponse is the body of one page of the opportunities search API.
type searchResponse struct {
	TotalRecords      *int                `json:"totalRecords"`
	OpportunitiesData []sourceOpportunity `json:"opportunitiesData"`
}

type sourceOpportunity struct {
	NoticeID            lenient         `json:"noticeId"`
	Title               lenient         `json:"title"`
	SolicitationNumber  lenient         `json:"solicitationNumber"`
	Department          lenient         `json:"department"`
	SubTier             lenient         `json:"subTier"`
	Office              lenient         `json:"office"`
	FullParentPathName  lenient         `json:"fullParentPathName"`
	OrganizationType    lenient         `json:"organizationType"`
	Type                lenient         `json:"type"`
	BaseType            lenient         `json:"baseType"`
	PostedDate          lenient         `json:"postedDate"`
	ResponseDeadLine    lenient         `json:"responseDeadLine"`
	ArchiveDate         lenient         `json:"archiveDate"`
	NAICSCode           lenient         `json:"naicsCode"`
	ClassificationCode  lenient         `json:"classificationCode"`
	TypeOfSetAside      lenient         `json:"typeOfSetAside"`
	TypeOfSetAsideDesc  lenient         `json:"typeOfSetAsideDescription"`
	SetAside            lenient         `json:"setAside"`
	SetAsideDescription lenient         `json:"setAsideDescription"`
	Description         lenient         `json:"description"`
	UILink              lenient         `json:"uiLink"`
	Active              lenient         `json:"active"`
	ResourceLinks       []lenient       `json:"resourceLinks"`
	Award               *sourceAward    `json:"award"`
	PointOfContact      []sourceContact `json:"pointOfContact"`
	PlaceOfPerformance  *sourcePlace    `json:"placeOfPerformance"`
}

type sourceAward struct {
	Amount  lenient `json:"amount"`
	Date    lenient `json:"date"`
	Number  lenient `json:"number"`
	Awardee *struct {
		Name   lenient `json:"name"`
		DUNS   lenient `json:"duns"`
		UEISAM lenient `json:"ueiSAM"`
	} `json:"awardee"`
}

type sourceContact struct {
	Type     lenient `json:"type"`
	FullName lenient `json:"fullName"`
	Email    lenient `json:"email"`
	Phone    lenient `json:"phone"`
	Title    lenient `json:"title"`
}

type sourcePlace struct {
	State   *sourceCodeName `json:"state"`
	City    *sourceCodeName `json:"city"`
	Country *sourceCodeName `json:"country"`
	Zip     lenient         `json:"zip"`
}

type sourceCodeName struct {
	Code lenient `json:"code"`
	Name lenient `json:"name"`
}

// UnmarshalJSON accepts either {"code","name"} or a bare code string.
func (c *sourceCodeName) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	switch data[0] {
	case '{':
		type plain sourceCodeName
		return json.Unmarshal(data, (*plain)(c))
	case '[':
		return nil
	default:
		return c.Code.UnmarshalJSON(data)
	}
}

// lenient decodes any JSON scalar as an optional string. Objects and arrays
// where a scalar is expected decode as absent instead of failing the page.
type lenient struct {
	v *string
}

func (l *lenient) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	l.v = nil
	if len(data) == 0 {
		return nil
	}
	switch data[0] {
	case 'n', '{', '[':
		return nil
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		l.v = &s
	default:
		s := string(data)
		l.v = &s
	}
	return nil
}

func (l lenient) ptr() *string {
	return l.v
}

// or returns l's value, falling back to alt when l is absent or blank.
func (l lenient) or(alt lenient) *string {
	if l.v != nil && strings.TrimSpace(*l.v) != "" {
		return l.v
	}
	return alt.v
}

// toRecord converts a decoded source item into a normalized Record. The
// second result is false when the item has no notice ID.
func (o *sourceOpportunity) toRecord() (opportunity.Record, bool) {
	r := opportunity.Record{
		NoticeID:            strings.TrimSpace(opportunity.Deref(o.NoticeID.ptr())),
		Title:               o.Title.ptr(),
		SolicitationNumber:  o.SolicitationNumber.ptr(),
		Department:          o.Department.ptr(),
		SubTier:             o.SubTier.ptr(),
		Office:              o.Office.ptr(),
		FullParentPathName:  o.FullParentPathName.ptr(),
		OrganizationType:    o.OrganizationType.ptr(),
		Type:                o.Type.ptr(),
		BaseType:            o.BaseType.ptr(),
		PostedDate:          o.PostedDate.ptr(),
		ResponseDeadline:    o.ResponseDeadLine.ptr(),
		ArchiveDate:         o.ArchiveDate.ptr(),
		NAICSCode:           o.NAICSCode.ptr(),
		ClassificationCode:  o.ClassificationCode.ptr(),
		SetAside:            o.TypeOfSetAside.or(o.SetAside),
		SetAsideDescription: o.TypeOfSetAsideDesc.or(o.SetAsideDescription),
		Description:         o.Description.ptr(),
		UILink:              o.UILink.ptr(),
		Active:              o.Active.ptr(),
	}
	if r.NoticeID == "" {
		return r, false
	}
	for _, l := range o.ResourceLinks {
		if l.v != nil {
			r.ResourceLinks = append(r.ResourceLinks, *l.v)
		}
	}
	if a := o.Award; a != nil {
		r.Award.Amount, r.Award.Date, r.Award.Number = a.Amount.ptr(), a.Date.ptr(), a.Number.ptr()
		if a.Awardee != nil {
			r.Award.AwardeeName = a.Awardee.Name.ptr()
			r.Award.AwardeeDUNS = a.Awardee.DUNS.ptr()
			r.Award.AwardeeUEI = a.Awardee.UEISAM.ptr()
		}
	}
	if p := o.PlaceOfPerformance; p != nil {
		if p.State != nil {
			r.Place.StateCode, r.Place.StateName = p.State.Code.ptr(), p.State.Name.ptr()
		}
		if p.City != nil {
			r.Place.CityCode, r.Place.CityName = p.City.Code.ptr(), p.City.Name.ptr()
		}
		if p.Country != nil {
			r.Place.CountryCode, r.Place.CountryName = p.Country.Code.ptr(), p.Country.Name.ptr()
		}
		r.Place.Zip = p.Zip.ptr()
	}
	for _, c := range o.PointOfContact {
		r.Contacts = append(r.Contacts, opportunity.Contact{
			Type:     c.Type.ptr(),
			FullName: c.FullName.ptr(),
			Email:    c.Email.ptr(),
			Phone:    c.Phone.ptr(),
			Title:    c.Title.ptr(),
		})
	}
	opportunity.Normalize(&r)
	return r, true
}
