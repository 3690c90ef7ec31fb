package opportunity

// Code is a source reference code and its meaning.
type Code struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// TypeCodes are the notice type codes accepted by the source's ptype filter.
var TypeCodes = []Code{
	{"o", "Solicitation"},
	{"p", "Presolicitation"},
	{"k", "Combined Synopsis/Solicitation"},
	{"r", "Sources Sought"},
	{"s", "Special Notice"},
	{"a", "Award Notice"},
	{"u", "Justification and Approval (J&A)"},
	{"g", "Intent to Bundle"},
	{"i", "Fair Opportunity / Limited Sources Justification"},
}

// SetAsideCodes are the set-aside codes accepted by typeOfSetAside.
var SetAsideCodes = []Code{
	{"SBA", "Total Small Business Set-Aside (FAR 19.5)"},
	{"SBP", "Partial Small Business Set-Aside (FAR 19.5)"},
	{"8A", "8(a) Set-Aside (FAR 19.8)"},
	{"8AN", "8(a) Sole Source (FAR 19.8)"},
	{"HZC", "HUBZone Set-Aside (FAR 19.13)"},
	{"HZS", "HUBZone Sole Source (FAR 19.13)"},
	{"SDVOSBC", "SDVOSB Set-Aside (FAR 19.14)"},
	{"SDVOSBS", "SDVOSB Sole Source (FAR 19.14)"},
	{"WOSB", "WOSB Set-Aside (FAR 19.15)"},
	{"WOSBSS", "WOSB Sole Source (FAR 19.15)"},
	{"EDWOSB", "EDWOSB Set-Aside (FAR 19.15)"},
	{"EDWOSBSS", "EDWOSB Sole Source (FAR 19.15)"},
	{"VSA", "Veteran-Owned Small Business Set-Aside"},
	{"VSS", "Veteran-Owned Small Business Sole Source"},
}
