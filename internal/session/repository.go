package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Repository persists sessions and their action log. Commit writes the
// session and one log entry atomically and fails with ErrVersionConflict
// when the stored version no longer matches s.Version.
type Repository interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id uuid.UUID) (*Session, error)
	Commit(ctx context.Context, s *Session, entry LogEntry) error
	Actions(ctx context.Context, id uuid.UUID) ([]LogEntry, error)
}

type postgresRepo struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &postgresRepo{db: db}
}

// sessionDoc is the set of JSON columns of the sessions table.
type sessionDoc struct {
	patientState, unlocked, differential, plan, flags, diagnosis, scoring, messages []byte
}

func encodeDoc(s *Session) (sessionDoc, error) {
	var d sessionDoc
	var err error
	enc := func(v any) []byte {
		if err != nil {
			return nil
		}
		var b []byte
		b, err = json.Marshal(v)
		return b
	}
	d.patientState = enc(s.PatientState)
	d.unlocked = enc(nonNil(s.UnlockedDisclosures))
	d.differential = enc(nonNil(s.DifferentialHistory))
	d.plan = enc(nonNil(s.ManagementPlan))
	d.flags = enc(s.Flags)
	d.messages = enc(nonNil(s.Messages))
	if s.FinalDiagnosis != nil {
		d.diagnosis = enc(s.FinalDiagnosis)
	}
	if s.Scoring != nil {
		d.scoring = enc(s.Scoring)
	}
	if err != nil {
		return sessionDoc{}, fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	return d, nil
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

func (r *postgresRepo) Create(ctx context.Context, s *Session) error {
	d, err := encodeDoc(s)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO sessions (id, student_id, case_id, version, status, phase, elapsed_minutes,
			patient_state, unlocked_disclosures, differential_history, management_plan, flags,
			final_diagnosis, scoring, messages, emotional_state, tutor_diagnosis_asks,
			created_at, updated_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`
	_, err = r.db.ExecContext(ctx, query,
		s.ID, s.StudentID, s.CaseID, s.Version, s.Status, s.Phase, s.ElapsedMinutes,
		jsonArg(d.patientState), jsonArg(d.unlocked), jsonArg(d.differential), jsonArg(d.plan), jsonArg(d.flags),
		jsonArg(d.diagnosis), jsonArg(d.scoring), jsonArg(d.messages), s.EmotionalState, s.TutorDiagnosisAsks,
		s.CreatedAt, s.UpdatedAt, s.StartedAt, s.CompletedAt)
	return err
}

func (r *postgresRepo) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	query := `
		SELECT id, student_id, case_id, version, status, phase, elapsed_minutes,
			patient_state, unlocked_disclosures, differential_history, management_plan, flags,
			final_diagnosis, scoring, messages, emotional_state, tutor_diagnosis_asks,
			created_at, updated_at, started_at, completed_at
		FROM sessions WHERE id = $1
	`
	row := r.db.QueryRowContext(ctx, query, id)

	var s Session
	var d sessionDoc
	var startedAt, completedAt sql.NullTime
	err := row.Scan(
		&s.ID, &s.StudentID, &s.CaseID, &s.Version, &s.Status, &s.Phase, &s.ElapsedMinutes,
		&d.patientState, &d.unlocked, &d.differential, &d.plan, &d.flags,
		&d.diagnosis, &d.scoring, &d.messages, &s.EmotionalState, &s.TutorDiagnosisAsks,
		&s.CreatedAt, &s.UpdatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if startedAt.Valid {
		s.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.Time
	}

	fields := []struct {
		name string
		raw  []byte
		dst  any
	}{
		{"patient_state", d.patientState, &s.PatientState},
		{"unlocked_disclosures", d.unlocked, &s.UnlockedDisclosures},
		{"differential_history", d.differential, &s.DifferentialHistory},
		{"management_plan", d.plan, &s.ManagementPlan},
		{"flags", d.flags, &s.Flags},
		{"final_diagnosis", d.diagnosis, &s.FinalDiagnosis},
		{"scoring", d.scoring, &s.Scoring},
		{"messages", d.messages, &s.Messages},
	}
	for _, f := range fields {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", f.name, err)
		}
	}
	return &s, nil
}

func (r *postgresRepo) Commit(ctx context.Context, s *Session, entry LogEntry) error {
	d, err := encodeDoc(s)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET
			version = version + 1,
			status = $3,
			phase = $4,
			elapsed_minutes = $5,
			patient_state = $6,
			unlocked_disclosures = $7,
			differential_history = $8,
			management_plan = $9,
			flags = $10,
			final_diagnosis = $11,
			scoring = $12,
			messages = $13,
			emotional_state = $14,
			tutor_diagnosis_asks = $15,
			updated_at = $16,
			started_at = $17,
			completed_at = $18
		WHERE id = $1 AND version = $2
	`, s.ID, s.Version, s.Status, s.Phase, s.ElapsedMinutes,
		jsonArg(d.patientState), jsonArg(d.unlocked), jsonArg(d.differential), jsonArg(d.plan), jsonArg(d.flags),
		jsonArg(d.diagnosis), jsonArg(d.scoring), jsonArg(d.messages), s.EmotionalState, s.TutorDiagnosisAsks,
		s.UpdatedAt, s.StartedAt, s.CompletedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO action_log (id, session_id, actor, action_type, target, payload, response, note, elapsed_minutes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, entry.ID, entry.SessionID, entry.Actor, entry.ActionType, entry.Target,
		jsonArg(entry.Payload), jsonArg(entry.Response), entry.Note, entry.ElapsedMinutes, entry.CreatedAt)
	if err != nil {
		return err
	}

	if s.Status == StatusCompleted && s.Scoring != nil {
		for _, dom := range s.Scoring.Domains {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO session_scores (session_id, domain_id, db_column, earned, max_points)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (session_id, domain_id) DO UPDATE SET
					db_column = $3,
					earned = $4,
					max_points = $5
			`, s.ID, dom.ID, dom.DBColumn, dom.Earned, dom.Max)
			if err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.Version++
	return nil
}

func (r *postgresRepo) Actions(ctx context.Context, id uuid.UUID) ([]LogEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, actor, action_type, target, payload, response, note, elapsed_minutes, created_at
		FROM action_log WHERE session_id = $1 ORDER BY seq
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		var payload, response []byte
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Actor, &e.ActionType, &e.Target,
			&payload, &response, &e.Note, &e.ElapsedMinutes, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Payload = payload
		e.Response = response
		out = append(out, e)
	}
	return out, rows.Err()
}

// jsonArg stores empty documents as SQL NULL. Documents go over the wire as
// text so lib/pq does not encode them as bytea.
func jsonArg(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// memoryRepo keeps sessions as encoded JSON so callers never share memory with the store.
type memoryRepo struct {
	mu       chan struct{}
	sessions map[uuid.UUID][]byte
	log      map[uuid.UUID][]LogEntry
}

// NewMemoryRepository is the store used when no DATABASE_URL is configured.
func NewMemoryRepository() Repository {
	return &memoryRepo{
		mu:       make(chan struct{}, 1),
		sessions: make(map[uuid.UUID][]byte),
		log:      make(map[uuid.UUID][]LogEntry),
	}
}

func (m *memoryRepo) lock(ctx context.Context) error {
	select {
	case m.mu <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *memoryRepo) unlock() { <-m.mu }

func (m *memoryRepo) Create(ctx context.Context, s *Session) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.unlock()
	if _, exists := m.sessions[s.ID]; exists {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	m.sessions[s.ID] = raw
	return nil
}

func (m *memoryRepo) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.unlock()
	raw, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (m *memoryRepo) Commit(ctx context.Context, s *Session, entry LogEntry) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.unlock()
	raw, ok := m.sessions[s.ID]
	if !ok {
		return ErrSessionNotFound
	}
	var stored struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(raw, &stored); err != nil {
		return err
	}
	if stored.Version != s.Version {
		return ErrVersionConflict
	}

	next := *s
	next.Version++
	enc, err := json.Marshal(&next)
	if err != nil {
		return err
	}
	m.sessions[s.ID] = enc
	m.log[s.ID] = append(m.log[s.ID], entry)
	s.Version = next.Version
	return nil
}

func (m *memoryRepo) Actions(ctx context.Context, id uuid.UUID) ([]LogEntry, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.unlock()
	return append([]LogEntry(nil), m.log[id]...), nil
}
