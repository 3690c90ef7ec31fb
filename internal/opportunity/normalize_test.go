package opportunity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDate(t *testing.T) {
	tests := map[string]string{
		"06/10/2024":                "2024-06-10",
		"2024-06-10":                "2024-06-10",
		"2024-06-20T17:00:00-04:00": "2024-06-20",
		"2024-06-20T23:30:00Z":      "2024-06-20",
		"2024-06-20T17:00:00":       "2024-06-20",
		"2024-06-20 08:15:00-05":    "2024-06-20",
		"  2024-06-10 ":             "2024-06-10",
		"sometime next week":        "sometime next week",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeDate(in), in)
	}
}

func TestNormalizeRecord(t *testing.T) {
	blank := "   "
	r := Record{
		NoticeID:         " abc123 ",
		Title:            Str("Bridge repair"),
		Department:       &blank,
		PostedDate:       Str("06/10/2024"),
		ResponseDeadline: Str("2024-07-01T17:00:00-04:00"),
		Award:            Award{Date: Str("01/15/2024"), Amount: &blank},
		ResourceLinks:    []string{"", "https://example.com/a.pdf", "  "},
		Contacts: []Contact{
			{FullName: Str("Pat Doe"), Email: Str("pat@example.gov")},
			{Type: &blank},
		},
	}

	Normalize(&r)

	assert.Equal(t, "abc123", r.NoticeID)
	assert.Nil(t, r.Department)
	assert.Nil(t, r.Award.Amount)
	require.NotNil(t, r.PostedDate)
	assert.Equal(t, "2024-06-10", *r.PostedDate)
	assert.Equal(t, "2024-07-01", *r.ResponseDeadline)
	assert.Equal(t, "2024-01-15", *r.Award.Date)
	assert.Equal(t, []string{"https://example.com/a.pdf"}, r.ResourceLinks)
	require.Len(t, r.Contacts, 1)
	assert.Equal(t, "Pat Doe", Deref(r.Contacts[0].FullName))
}

func TestIsActive(t *testing.T) {
	assert.True(t, (&Record{Active: Str("Yes")}).IsActive())
	assert.True(t, (&Record{Active: Str("yes")}).IsActive())
	assert.False(t, (&Record{Active: Str("No")}).IsActive())
	assert.False(t, (&Record{}).IsActive())
}
