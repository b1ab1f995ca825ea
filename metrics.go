package musicgen

import (
	"database/sql"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	_ "modernc.org/sqlite"
)

// EpochMetrics summarises one pass over a split.
type EpochMetrics struct {
	Loss       float64
	Accuracy   float64
	Perplexity float64
}

// Snapshot is the state of a run recorded at a schedule step.
type Snapshot struct {
	RunID string
	Epoch int
	LR    float32
	Train EpochMetrics
	Val   EpochMetrics
}

// History is the ordered list of snapshots of a run.
type History struct {
	Snapshots []Snapshot
}

func (h *History) Append(s Snapshot) {
	h.Snapshots = append(h.Snapshots, s)
}

// Series extracts one metric across the snapshots.
func (h History) Series(metric func(Snapshot) float64) []float64 {
	out := make([]float64, len(h.Snapshots))
	for i, s := range h.Snapshots {
		out[i] = metric(s)
	}
	return out
}

// MetricsStore persists snapshots across runs.
type MetricsStore interface {
	Record(s Snapshot) error
	Snapshots(runID string) ([]Snapshot, error)
	Close() error
}

// SQLiteStore keeps snapshots in a sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open metrics db %s: %w", path, err)
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS snapshots(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts REAL NOT NULL,
			run_id TEXT NOT NULL,
			epoch INTEGER NOT NULL,
			lr REAL NOT NULL,
			train_loss REAL,
			train_acc REAL,
			train_ppl REAL,
			val_loss REAL,
			val_acc REAL,
			val_ppl REAL
		)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create metrics table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Record(snap Snapshot) error {
	_, err := s.db.Exec(`INSERT INTO snapshots(ts,run_id,epoch,lr,train_loss,train_acc,train_ppl,val_loss,val_acc,val_ppl)
		VALUES(?,?,?,?,?,?,?,?,?,?)`,
		float64(time.Now().UnixMilli())/1000.0, snap.RunID, snap.Epoch, float64(snap.LR),
		finiteOrNil(snap.Train.Loss), finiteOrNil(snap.Train.Accuracy), finiteOrNil(snap.Train.Perplexity),
		finiteOrNil(snap.Val.Loss), finiteOrNil(snap.Val.Accuracy), finiteOrNil(snap.Val.Perplexity))
	if err != nil {
		return fmt.Errorf("failed to record snapshot for epoch %d: %w", snap.Epoch, err)
	}
	return nil
}

func (s *SQLiteStore) Snapshots(runID string) ([]Snapshot, error) {
	rows, err := s.db.Query(`SELECT epoch, lr, train_loss, train_acc, train_ppl, val_loss, val_acc, val_ppl
		FROM snapshots WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()
	var out []Snapshot
	for rows.Next() {
		snap := Snapshot{RunID: runID}
		var lr float64
		var vals [6]sql.NullFloat64
		if err := rows.Scan(&snap.Epoch, &lr, &vals[0], &vals[1], &vals[2], &vals[3], &vals[4], &vals[5]); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snap.LR = float32(lr)
		get := func(v sql.NullFloat64) float64 {
			if !v.Valid {
				return math.Inf(1)
			}
			return v.Float64
		}
		snap.Train = EpochMetrics{Loss: get(vals[0]), Accuracy: get(vals[1]), Perplexity: get(vals[2])}
		snap.Val = EpochMetrics{Loss: get(vals[3]), Accuracy: get(vals[4]), Perplexity: get(vals[5])}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sqlite has no representation for infinities.
func finiteOrNil(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

const snapshotRows = 10

// RenderSnapshot draws the latest snapshots of h as a table followed by
// loss sparklines.
func RenderSnapshot(h History) string {
	if len(h.Snapshots) == 0 {
		return ""
	}
	last := h.Snapshots[len(h.Snapshots)-1]
	recent := h.Snapshots[max(0, len(h.Snapshots)-snapshotRows):]
	rows := make([][]string, 0, len(recent))
	for _, s := range recent {
		rows = append(rows, []string{
			strconv.Itoa(s.Epoch),
			fmt.Sprintf("%.7f", s.LR),
			fmt.Sprintf("%.4f", s.Train.Loss),
			fmt.Sprintf("%.4f", s.Val.Loss),
			fmt.Sprintf("%.3f", s.Train.Accuracy),
			fmt.Sprintf("%.3f", s.Val.Accuracy),
			fmt.Sprintf("%.2f", s.Train.Perplexity),
			fmt.Sprintf("%.2f", s.Val.Perplexity),
		})
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		Headers("Epoch", "LR", "Train Loss", "Val Loss", "Train Acc", "Val Acc", "Train PPL", "Val PPL").
		Rows(rows...)

	var sb strings.Builder
	sb.WriteString(titleStyle.Render(fmt.Sprintf("Training & Validation Metrics [lr=%.7f]", last.LR)))
	sb.WriteString("\n")
	sb.WriteString(t.String())
	sb.WriteString("\n")
	sb.WriteString(labelStyle.Render("train loss ") + sparkline(h.Series(func(s Snapshot) float64 { return s.Train.Loss })))
	sb.WriteString("\n")
	sb.WriteString(labelStyle.Render("val loss   ") + sparkline(h.Series(func(s Snapshot) float64 { return s.Val.Loss })))
	sb.WriteString("\n")
	return sb.String()
}

var sparkBlocks = []rune("▁▂▃▄▅▆▇█")

func sparkline(values []float64) string {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		lo, hi = math.Min(lo, v), math.Max(hi, v)
	}
	out := make([]rune, len(values))
	for i, v := range values {
		switch {
		case math.IsNaN(v) || math.IsInf(v, 0):
			out[i] = ' '
		case hi == lo:
			out[i] = sparkBlocks[0]
		default:
			idx := int((v - lo) / (hi - lo) * float64(len(sparkBlocks)-1))
			out[i] = sparkBlocks[idx]
		}
	}
	return string(out)
}
