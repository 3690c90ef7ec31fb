package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/govscout/internal/opportunity"
	"github.com/Adithya-Monish-Kumar-K/govscout/internal/query"
	apperrors "github.com/Adithya-Monish-Kumar-K/govscout/pkg/errors"
)

type column struct {
	name  string
	field func(r *opportunity.Record) **string
}

// textColumns maps every optional text column to its Record field, in
// table order.
var textColumns = []column{
	{"title", func(r *opportunity.Record) **string { return &r.Title }},
	{"solicitation_number", func(r *opportunity.Record) **string { return &r.SolicitationNumber }},
	{"department", func(r *opportunity.Record) **string { return &r.Department }},
	{"sub_tier", func(r *opportunity.Record) **string { return &r.SubTier }},
	{"office", func(r *opportunity.Record) **string { return &r.Office }},
	{"full_parent_path_name", func(r *opportunity.Record) **string { return &r.FullParentPathName }},
	{"organization_type", func(r *opportunity.Record) **string { return &r.OrganizationType }},
	{"opp_type", func(r *opportunity.Record) **string { return &r.Type }},
	{"base_type", func(r *opportunity.Record) **string { return &r.BaseType }},
	{"posted_date", func(r *opportunity.Record) **string { return &r.PostedDate }},
	{"response_deadline", func(r *opportunity.Record) **string { return &r.ResponseDeadline }},
	{"archive_date", func(r *opportunity.Record) **string { return &r.ArchiveDate }},
	{"naics_code", func(r *opportunity.Record) **string { return &r.NAICSCode }},
	{"classification_code", func(r *opportunity.Record) **string { return &r.ClassificationCode }},
	{"set_aside", func(r *opportunity.Record) **string { return &r.SetAside }},
	{"set_aside_description", func(r *opportunity.Record) **string { return &r.SetAsideDescription }},
	{"description", func(r *opportunity.Record) **string { return &r.Description }},
	{"ui_link", func(r *opportunity.Record) **string { return &r.UILink }},
	{"active", func(r *opportunity.Record) **string { return &r.Active }},
	{"award_amount", func(r *opportunity.Record) **string { return &r.Award.Amount }},
	{"award_date", func(r *opportunity.Record) **string { return &r.Award.Date }},
	{"award_number", func(r *opportunity.Record) **string { return &r.Award.Number }},
	{"awardee_name", func(r *opportunity.Record) **string { return &r.Award.AwardeeName }},
	{"awardee_duns", func(r *opportunity.Record) **string { return &r.Award.AwardeeDUNS }},
	{"awardee_uei_sam", func(r *opportunity.Record) **string { return &r.Award.AwardeeUEI }},
	{"pop_state_code", func(r *opportunity.Record) **string { return &r.Place.StateCode }},
	{"pop_state_name", func(r *opportunity.Record) **string { return &r.Place.StateName }},
	{"pop_city_code", func(r *opportunity.Record) **string { return &r.Place.CityCode }},
	{"pop_city_name", func(r *opportunity.Record) **string { return &r.Place.CityName }},
	{"pop_country_code", func(r *opportunity.Record) **string { return &r.Place.CountryCode }},
	{"pop_country_name", func(r *opportunity.Record) **string { return &r.Place.CountryName }},
	{"pop_zip", func(r *opportunity.Record) **string { return &r.Place.Zip }},
}

// fieldColumns maps query fields onto table columns.
var fieldColumns = map[query.Field]string{
	query.FieldTitle:              "title",
	query.FieldSolicitationNumber: "solicitation_number",
	query.FieldDepartment:         "department",
	query.FieldNAICSCode:          "naics_code",
	query.FieldType:               "opp_type",
	query.FieldSetAside:           "set_aside",
	query.FieldState:              "pop_state_code",
	query.FieldPostedDate:         "posted_date",
	query.FieldActive:             "active",
}

var (
	selectColumns string
	upsertSQL     string
)

func init() {
	names := []string{"notice_id"}
	for _, c := range textColumns {
		names = append(names, c.name)
	}
	names = append(names, "resource_links", "first_seen_at", "updated_at")
	selectColumns = strings.Join(names, ", ")

	updates := make([]string, 0, len(names))
	for _, n := range names {
		if n == "notice_id" || n == "first_seen_at" {
			continue
		}
		updates = append(updates, n+" = excluded."+n)
	}
	upsertSQL = "INSERT INTO opportunities (" + selectColumns + ") VALUES (" +
		strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ") +
		") ON CONFLICT (notice_id) DO UPDATE SET " + strings.Join(updates, ", ")
}

// UpsertBatch writes records and replaces their contacts in one transaction.
// A re-fetched record overwrites every column of the stored one; its
// insertion sequence is kept so result ordering stays stable.
func (s *Store) UpsertBatch(ctx context.Context, records []opportunity.Record) error {
	if len(records) == 0 {
		return nil
	}
	now := s.now().UnixMilli()
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		upsert, err := tx.PrepareContext(ctx, s.q(upsertSQL))
		if err != nil {
			return fmt.Errorf("preparing upsert: %w", err)
		}
		defer upsert.Close()
		wipe, err := tx.PrepareContext(ctx, s.q("DELETE FROM contacts WHERE notice_id = ?"))
		if err != nil {
			return fmt.Errorf("preparing contact delete: %w", err)
		}
		defer wipe.Close()
		insert, err := tx.PrepareContext(ctx, s.q(
			"INSERT INTO contacts (notice_id, ordinal, contact_type, full_name, email, phone, title) VALUES (?, ?, ?, ?, ?, ?, ?)"))
		if err != nil {
			return fmt.Errorf("preparing contact insert: %w", err)
		}
		defer insert.Close()

		for i := range records {
			r := &records[i]
			if r.NoticeID == "" {
				return apperrors.Invalid("record %d has no notice id", i)
			}
			args, err := recordArgs(r, now)
			if err != nil {
				return err
			}
			if _, err := upsert.ExecContext(ctx, args...); err != nil {
				return fmt.Errorf("upserting %s: %w", r.NoticeID, err)
			}
			if _, err := wipe.ExecContext(ctx, r.NoticeID); err != nil {
				return fmt.Errorf("clearing contacts of %s: %w", r.NoticeID, err)
			}
			for n, c := range r.Contacts {
				if _, err := insert.ExecContext(ctx, r.NoticeID, n, c.Type, c.FullName, c.Email, c.Phone, c.Title); err != nil {
					return fmt.Errorf("inserting contact of %s: %w", r.NoticeID, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("upserting batch of %d: %w", len(records), err)
	}
	s.logger.Debug("batch upserted", "records", len(records))
	return nil
}

func recordArgs(r *opportunity.Record, now int64) ([]any, error) {
	args := make([]any, 0, len(textColumns)+4)
	args = append(args, r.NoticeID)
	for _, c := range textColumns {
		args = append(args, *c.field(r))
	}
	var links sql.NullString
	if len(r.ResourceLinks) > 0 {
		data, err := json.Marshal(r.ResourceLinks)
		if err != nil {
			return nil, fmt.Errorf("encoding resource links of %s: %w", r.NoticeID, err)
		}
		links = sql.NullString{String: string(data), Valid: true}
	}
	return append(args, links, now, now), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*opportunity.Record, error) {
	var (
		r                  opportunity.Record
		links              sql.NullString
		firstSeen, updated sql.NullInt64
	)
	dest := make([]any, 0, len(textColumns)+4)
	dest = append(dest, &r.NoticeID)
	for _, c := range textColumns {
		dest = append(dest, c.field(&r))
	}
	dest = append(dest, &links, &firstSeen, &updated)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if links.Valid && links.String != "" {
		if err := json.Unmarshal([]byte(links.String), &r.ResourceLinks); err != nil {
			return nil, fmt.Errorf("decoding resource links of %s: %w", r.NoticeID, err)
		}
	}
	r.FirstSeenAt = fromMillis(firstSeen)
	r.UpdatedAt = fromMillis(updated)
	return &r, nil
}

// Get returns one record with its contacts.
func (s *Store) Get(ctx context.Context, noticeID string) (*opportunity.Record, error) {
	var r *opportunity.Record
	err := s.db.ReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		r, err = scanRecord(tx.QueryRowContext(ctx,
			s.q("SELECT "+selectColumns+" FROM opportunities WHERE notice_id = ?"), noticeID))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("opportunity %s: %w", noticeID, apperrors.ErrRecordNotFound)
		}
		if err != nil {
			return fmt.Errorf("loading opportunity %s: %w", noticeID, err)
		}
		r.Contacts, err = loadContacts(ctx, tx, s.q(
			"SELECT contact_type, full_name, email, phone, title FROM contacts WHERE notice_id = ? ORDER BY ordinal"), noticeID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func loadContacts(ctx context.Context, tx *sql.Tx, stmt, noticeID string) ([]opportunity.Contact, error) {
	rows, err := tx.QueryContext(ctx, stmt, noticeID)
	if err != nil {
		return nil, fmt.Errorf("loading contacts of %s: %w", noticeID, err)
	}
	defer rows.Close()
	var contacts []opportunity.Contact
	for rows.Next() {
		var c opportunity.Contact
		if err := rows.Scan(&c.Type, &c.FullName, &c.Email, &c.Phone, &c.Title); err != nil {
			return nil, fmt.Errorf("scanning contact of %s: %w", noticeID, err)
		}
		contacts = append(contacts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating contacts of %s: %w", noticeID, err)
	}
	return contacts, nil
}

// Search returns one page of records matching every clause, plus the
// matching total before pagination. Count and page share one read snapshot.
// Results are ordered newest posted date first with insertion order
// breaking ties.
func (s *Store) Search(ctx context.Context, clauses []query.Clause, limit, offset int) ([]opportunity.Record, int, error) {
	where, args, err := whereClause(clauses)
	if err != nil {
		return nil, 0, err
	}

	var total int
	records := []opportunity.Record{}
	err = s.db.ReadTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, s.q("SELECT COUNT(*) FROM opportunities"+where), args...).Scan(&total); err != nil {
			return fmt.Errorf("counting opportunities: %w", err)
		}
		if total == 0 || offset >= total {
			return nil
		}

		pageArgs := append(append([]any{}, args...), limit, offset)
		rows, err := tx.QueryContext(ctx, s.q(
			"SELECT "+selectColumns+" FROM opportunities"+where+
				" ORDER BY posted_date DESC NULLS LAST, seq ASC LIMIT ? OFFSET ?"), pageArgs...)
		if err != nil {
			return fmt.Errorf("searching opportunities: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanRecord(rows)
			if err != nil {
				return fmt.Errorf("scanning opportunity: %w", err)
			}
			records = append(records, *r)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterating opportunities: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// whereClause renders clauses as a SQL WHERE fragment with '?' placeholders.
func whereClause(clauses []query.Clause) (string, []any, error) {
	if len(clauses) == 0 {
		return "", nil, nil
	}
	parts := make([]string, 0, len(clauses))
	var args []any
	for _, c := range clauses {
		cols := make([]string, 0, len(c.Fields))
		for _, f := range c.Fields {
			col, ok := fieldColumns[f]
			if !ok {
				return "", nil, apperrors.Invalid("unknown filter field %q", f)
			}
			cols = append(cols, col)
		}
		if len(cols) == 0 {
			return "", nil, apperrors.Invalid("%s clause without a field", c.Kind)
		}

		switch c.Kind {
		case query.ClauseText:
			if len(c.Values) != 1 {
				return "", nil, apperrors.Invalid("text clause needs one value")
			}
			pattern := "%" + escapeLike(c.Values[0]) + "%"
			ors := make([]string, 0, len(cols))
			for _, col := range cols {
				ors = append(ors, "LOWER("+col+") LIKE LOWER(?) ESCAPE '\\'")
				args = append(args, pattern)
			}
			parts = append(parts, "("+strings.Join(ors, " OR ")+")")
		case query.ClauseIn:
			if len(c.Values) == 0 {
				return "", nil, apperrors.Invalid("in clause needs values")
			}
			parts = append(parts, cols[0]+" IN ("+strings.TrimSuffix(strings.Repeat("?, ", len(c.Values)), ", ")+")")
			for _, v := range c.Values {
				args = append(args, v)
			}
		case query.ClauseEq, query.ClauseMin, query.ClauseMax:
			if len(c.Values) != 1 {
				return "", nil, apperrors.Invalid("%s clause needs one value", c.Kind)
			}
			op := map[query.ClauseKind]string{query.ClauseEq: " = ?", query.ClauseMin: " >= ?", query.ClauseMax: " <= ?"}[c.Kind]
			parts = append(parts, cols[0]+op)
			args = append(args, c.Values[0])
		case query.ClauseActive:
			parts = append(parts, "UPPER("+cols[0]+") = 'YES'")
		default:
			return "", nil, apperrors.Invalid("unsupported clause kind %d", c.Kind)
		}
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// Facets counts distinct non-empty values of every facet field over the
// whole corpus, most frequent first and alphabetical among equal counts.
func (s *Store) Facets(ctx context.Context) (*query.Facets, error) {
	facets := &query.Facets{}
	err := s.db.ReadTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM opportunities").Scan(&facets.Total); err != nil {
			return fmt.Errorf("counting opportunities: %w", err)
		}
		for _, field := range query.FacetFields {
			values, err := facetValues(ctx, tx, fieldColumns[field])
			if err != nil {
				return err
			}
			facets.Set(field, values)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("computing facets: %w", err)
	}
	return facets, nil
}

func facetValues(ctx context.Context, tx *sql.Tx, col string) ([]query.FacetValue, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT "+col+", COUNT(*) AS cnt FROM opportunities WHERE "+col+" IS NOT NULL AND "+col+" <> '' GROUP BY "+col+" ORDER BY cnt DESC, "+col+" ASC")
	if err != nil {
		return nil, fmt.Errorf("grouping %s: %w", col, err)
	}
	defer rows.Close()
	values := []query.FacetValue{}
	for rows.Next() {
		var v query.FacetValue
		if err := rows.Scan(&v.Value, &v.Count); err != nil {
			return nil, fmt.Errorf("scanning %s facet: %w", col, err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}
