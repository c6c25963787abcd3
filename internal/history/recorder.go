package history

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/apex-data/racecoach/internal/laps"
	"github.com/apex-data/racecoach/internal/mistakes"
	"github.com/apex-data/racecoach/internal/timeutil"
)

// Descriptor identifies a session at start time.
type Descriptor struct {
	Track       string
	Car         string
	SessionKind string
}

// Uploader pushes a finished session record somewhere remote. Upload failures
// are logged and swallowed; they never block session teardown.
type Uploader interface {
	UploadSession(sessionID string, summary []byte) error
}

// Recorder writes session history rows as the session progresses.
type Recorder struct {
	db       *DB
	clock    timeutil.Clock
	uploader Uploader // nil disables uploads
}

// NewRecorder creates a Recorder on top of an open history database.
func NewRecorder(db *DB, clock timeutil.Clock, uploader Uploader) *Recorder {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Recorder{db: db, clock: clock, uploader: uploader}
}

// StartSession inserts a new session row and returns its id.
func (r *Recorder) StartSession(desc Descriptor) (string, error) {
	id := uuid.New().String()
	_, err := r.db.Exec(
		`INSERT INTO sessions (id, track, car, session_kind, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, desc.Track, desc.Car, desc.SessionKind, r.clock.Now(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert session: %w", err)
	}
	return id, nil
}

// RecordLap appends a completed lap to the session. Sample arrays are not
// persisted, only the timing summary.
func (r *Recorder) RecordLap(sessionID string, rec *laps.LapRecord) error {
	sectors, err := json.Marshal(rec.SectorTimes)
	if err != nil {
		return fmt.Errorf("failed to encode sector times: %w", err)
	}
	_, err = r.db.Exec(
		`INSERT INTO session_laps (session_id, lap, time_s, sector_times_json, valid, outlier, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, rec.Lap, rec.TotalTime, string(sectors),
		boolInt(rec.Valid), boolInt(rec.Outlier), rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert lap: %w", err)
	}
	return nil
}

// EndSession finalizes the session row with the mistake summary, stores the
// aggregated patterns and reference snapshots, and hands the summary to the
// uploader if one is configured.
func (r *Recorder) EndSession(sessionID, reason string, summary mistakes.SessionSummary, patterns []mistakes.Pattern, refs []*laps.ReferenceLap) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}

	var lapCount int
	var bestLap *float64
	row := r.db.QueryRow(
		`SELECT COUNT(*), MIN(CASE WHEN valid = 1 AND outlier = 0 THEN time_s END)
		 FROM session_laps WHERE session_id = ?`, sessionID)
	if err := row.Scan(&lapCount, &bestLap); err != nil {
		return fmt.Errorf("failed to aggregate laps: %w", err)
	}

	_, err = r.db.Exec(
		`UPDATE sessions SET ended_at = ?, end_reason = ?, lap_count = ?, best_lap_s = ?,
		 total_mistakes = ?, time_lost_s = ?, session_score = ?, summary_json = ?
		 WHERE id = ?`,
		r.clock.Now(), reason, lapCount, bestLap,
		summary.TotalMistakes, summary.TotalTimeLostS, summary.SessionScore,
		string(summaryJSON), sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize session: %w", err)
	}

	for _, p := range patterns {
		_, err := r.db.Exec(
			`INSERT INTO session_mistakes (session_id, corner, mistake_type, frequency, total_time_loss, mean_time_loss, priority, trend)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sessionID, p.Corner, string(p.Type), p.Frequency,
			p.TotalTimeLoss, p.MeanTimeLoss, p.Priority, string(p.Trend),
		)
		if err != nil {
			return fmt.Errorf("failed to insert mistake pattern: %w", err)
		}
	}

	for _, ref := range refs {
		if ref == nil {
			continue
		}
		payload, err := json.Marshal(ref)
		if err != nil {
			return fmt.Errorf("failed to encode reference %s: %w", ref.Role, err)
		}
		_, err = r.db.Exec(
			`INSERT INTO reference_snapshots (session_id, role, payload_json) VALUES (?, ?, ?)`,
			sessionID, string(ref.Role), string(payload),
		)
		if err != nil {
			return fmt.Errorf("failed to insert reference snapshot: %w", err)
		}
	}

	if r.uploader != nil {
		if err := r.uploader.UploadSession(sessionID, summaryJSON); err != nil {
			log.Printf("session upload failed for %s: %v", sessionID, err)
		}
	}
	return nil
}

// SessionRow is a stored session as returned by queries.
type SessionRow struct {
	ID            string
	Track         string
	Car           string
	SessionKind   string
	EndReason     string
	LapCount      int
	BestLapS      float64
	TotalMistakes int
	TimeLostS     float64
	SessionScore  float64
}

// Sessions returns the most recent stored sessions, newest first.
func (r *Recorder) Sessions(limit int) ([]SessionRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.Query(
		`SELECT id, track, car, COALESCE(session_kind, ''), COALESCE(end_reason, ''),
		        lap_count, COALESCE(best_lap_s, 0), total_mistakes, time_lost_s,
		        COALESCE(session_score, 0)
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var s SessionRow
		if err := rows.Scan(&s.ID, &s.Track, &s.Car, &s.SessionKind, &s.EndReason,
			&s.LapCount, &s.BestLapS, &s.TotalMistakes, &s.TimeLostS, &s.SessionScore); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
