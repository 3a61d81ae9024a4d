package diagnostics

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/patientrecord/internal/platform/db"
)

// =========== Lab Result Repository ===========

type labResultRepoPG struct{ pool *pgxpool.Pool }

func NewLabResultRepoPG(pool *pgxpool.Pool) LabResultRepository {
	return &labResultRepoPG{pool: pool}
}

func (r *labResultRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const labCols = `id, patient_id, update_id, document_id, test_code, test_name, value, unit,
	reference_min, reference_max, COALESCE(is_critical, false), test_date, created_at`

func (r *labResultRepoPG) scanAll(rows pgx.Rows) ([]LabResult, error) {
	defer rows.Close()
	var out []LabResult
	for rows.Next() {
		var l LabResult
		if err := rows.Scan(&l.ID, &l.PatientID, &l.UpdateID, &l.DocumentID, &l.TestCode, &l.TestName,
			&l.Value, &l.Unit, &l.ReferenceMin, &l.ReferenceMax, &l.IsCritical, &l.TestDate, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *labResultRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, f LabResultFilter) ([]LabResult, int, error) {
	where := `WHERE patient_id = $1`
	args := []interface{}{patientID}
	if f.TestName != "" {
		where += ` AND test_name = $2`
		args = append(args, f.TestName)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM lab_results `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM lab_results %s ORDER BY test_date DESC, created_at DESC LIMIT $%d OFFSET $%d`,
		labCols, where, len(args)+1, len(args)+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.scanAll(rows)
	return items, total, err
}

func (r *labResultRepoPG) ListAllByPatient(ctx context.Context, patientID uuid.UUID) ([]LabResult, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+labCols+` FROM lab_results
		WHERE patient_id = $1 ORDER BY test_date DESC, created_at DESC`, patientID)
	if err != nil {
		return nil, err
	}
	return r.scanAll(rows)
}

func (r *labResultRepoPG) ListByPatientAndTest(ctx context.Context, patientID uuid.UUID, testName string) ([]LabResult, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+labCols+` FROM lab_results
		WHERE patient_id = $1 AND test_name = $2 ORDER BY test_date, created_at`, patientID, testName)
	if err != nil {
		return nil, err
	}
	return r.scanAll(rows)
}

func (r *labResultRepoPG) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]LabResult, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+labCols+` FROM lab_results
		WHERE document_id = $1 ORDER BY test_name`, documentID)
	if err != nil {
		return nil, err
	}
	return r.scanAll(rows)
}

func (r *labResultRepoPG) ReplaceForDocument(ctx context.Context, documentID uuid.UUID, items []ResultWithValue) error {
	q := r.conn(ctx)

	if _, err := q.Exec(ctx, `DELETE FROM lab_parsed_values
		WHERE lab_result_id IN (SELECT id FROM lab_results WHERE document_id = $1)`, documentID); err != nil {
		return fmt.Errorf("delete parsed values: %w", err)
	}
	if _, err := q.Exec(ctx, `DELETE FROM lab_results WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("delete lab results: %w", err)
	}

	for _, it := range items {
		l := it.Result
		if l.ID == uuid.Nil {
			l.ID = uuid.New()
		}
		l.DocumentID = &documentID
		err := q.QueryRow(ctx, `
			INSERT INTO lab_results (id, patient_id, update_id, document_id, test_code, test_name, value, unit,
				reference_min, reference_max, is_critical, test_date)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			RETURNING created_at`,
			l.ID, l.PatientID, l.UpdateID, l.DocumentID, l.TestCode, l.TestName, l.Value, l.Unit,
			l.ReferenceMin, l.ReferenceMax, l.IsCritical, l.TestDate,
		).Scan(&l.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert lab result %q: %w", l.TestName, err)
		}

		if it.Parsed == nil {
			continue
		}
		p := it.Parsed
		if p.ID == uuid.Nil {
			p.ID = uuid.New()
		}
		p.LabResultID = l.ID
		err = q.QueryRow(ctx, `
			INSERT INTO lab_parsed_values (id, lab_result_id, raw_name, raw_value, parsed_value, unit,
				confidence_score, extraction_method, biomarker_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING created_at`,
			p.ID, p.LabResultID, p.RawName, p.RawValue, p.ParsedValue, p.Unit,
			p.ConfidenceScore, p.ExtractionMethod, p.BiomarkerID,
		).Scan(&p.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert parsed value %q: %w", p.RawName, err)
		}
	}
	return nil
}

// =========== Biomarker Repository ===========

type biomarkerRepoPG struct{ pool *pgxpool.Pool }

func NewBiomarkerRepoPG(pool *pgxpool.Pool) BiomarkerRepository {
	return &biomarkerRepoPG{pool: pool}
}

func (r *biomarkerRepoPG) List(ctx context.Context) ([]Biomarker, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, name, display_name, category, unit, reference_min, reference_max,
			critical_min, critical_max, description, lifestyle_notes
		FROM biomarkers ORDER BY category, display_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Biomarker
	for rows.Next() {
		var b Biomarker
		if err := rows.Scan(&b.ID, &b.Name, &b.DisplayName, &b.Category, &b.Unit, &b.ReferenceMin,
			&b.ReferenceMax, &b.CriticalMin, &b.CriticalMax, &b.Description, &b.LifestyleNotes); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
