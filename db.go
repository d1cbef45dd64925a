package main

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ============================================================
// 10) STORAGE — examples, runs and training curves in sqlite
// ============================================================

type Store struct {
	db *sql.DB
}

func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	schema := `
	CREATE TABLE IF NOT EXISTS examples (
		split     TEXT NOT NULL,
		image_idx INTEGER NOT NULL,
		c         INTEGER NOT NULL,
		h         INTEGER NOT NULL,
		w         INTEGER NOT NULL,
		features  BLOB NOT NULL,
		question  TEXT NOT NULL,
		program   TEXT NOT NULL,
		answer    INTEGER NOT NULL,
		scene     TEXT NOT NULL,
		PRIMARY KEY (split, image_idx)
	);
	CREATE TABLE IF NOT EXISTS runs (
		run_id     TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		config     TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS train_log (
		run_id   TEXT NOT NULL,
		step     INTEGER NOT NULL,
		loss     REAL NOT NULL,
		accuracy REAL,
		lr       REAL NOT NULL,
		at       TEXT NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Example is one stored (image, question, program, answer) record.
type Example struct {
	Split    string
	ImageIdx int
	Features []float64 // flat CHW
	C, H, W  int
	Question []int
	Program  []int
	Answer   int
	Scene    []Object
}

// FeatureMap unpacks the stored image into per-cell channel vectors.
func (ex *Example) FeatureMap() *FeatureMap {
	fm := NewFeatureMap(ex.H, ex.W, ex.C)
	plane := ex.H * ex.W
	for y := 0; y < ex.H; y++ {
		for x := 0; x < ex.W; x++ {
			data := make([]float64, ex.C)
			for c := 0; c < ex.C; c++ {
				data[c] = ex.Features[c*plane+y*ex.W+x]
			}
			fm.Cells[y*ex.W+x] = NewVec(data)
		}
	}
	return fm
}

// Features stored as little-endian float32; halves the file and the
// generator only produces 8-bit color levels anyway.
func encodeFeatures(fs []float64) []byte {
	buf := make([]byte, 4*len(fs))
	for i, f := range fs {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(float32(f)))
	}
	return buf
}

func decodeFeatures(buf []byte) []float64 {
	fs := make([]float64, len(buf)/4)
	for i := range fs {
		fs[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:])))
	}
	return fs
}

func intsToJSON(xs []int) string {
	b, _ := json.Marshal(xs)
	return string(b)
}

func intsFromJSON(s string) ([]int, error) {
	var xs []int
	if err := json.Unmarshal([]byte(s), &xs); err != nil {
		return nil, err
	}
	return xs, nil
}

func (s *Store) InsertExample(ex *Example) error {
	sceneJSON, err := json.Marshal(ex.Scene)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO examples
		 (split, image_idx, c, h, w, features, question, program, answer, scene)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.Split, ex.ImageIdx, ex.C, ex.H, ex.W,
		encodeFeatures(ex.Features),
		intsToJSON(ex.Question), intsToJSON(ex.Program),
		ex.Answer, string(sceneJSON))
	return err
}

func (s *Store) CountExamples(split string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM examples WHERE split = ?`, split).Scan(&n)
	return n, err
}

func scanExample(rows *sql.Rows) (*Example, error) {
	ex := &Example{}
	var feats []byte
	var question, program, scene string
	if err := rows.Scan(&ex.Split, &ex.ImageIdx, &ex.C, &ex.H, &ex.W,
		&feats, &question, &program, &ex.Answer, &scene); err != nil {
		return nil, err
	}
	ex.Features = decodeFeatures(feats)
	var err error
	if ex.Question, err = intsFromJSON(question); err != nil {
		return nil, err
	}
	if ex.Program, err = intsFromJSON(program); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(scene), &ex.Scene); err != nil {
		return nil, err
	}
	return ex, nil
}

func (s *Store) loadByIdx(split string, idxs []int) ([]*Example, error) {
	if len(idxs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(idxs)), ",")
	args := make([]any, 0, len(idxs)+1)
	args = append(args, split)
	for _, idx := range idxs {
		args = append(args, idx)
	}
	rows, err := s.db.Query(
		`SELECT split, image_idx, c, h, w, features, question, program, answer, scene
		 FROM examples WHERE split = ? AND image_idx IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byIdx := make(map[int]*Example, len(idxs))
	for rows.Next() {
		ex, err := scanExample(rows)
		if err != nil {
			return nil, err
		}
		byIdx[ex.ImageIdx] = ex
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]*Example, 0, len(idxs))
	for _, idx := range idxs {
		ex, ok := byIdx[idx]
		if !ok {
			return nil, fmt.Errorf("missing example %s/%d", split, idx)
		}
		out = append(out, ex)
	}
	return out, nil
}

// SampleBatch draws n examples uniformly with replacement, using the
// caller's rng so training stays reproducible under a fixed seed.
func (s *Store) SampleBatch(split string, n int, rng *rand.Rand) ([]*Example, error) {
	total, err := s.CountExamples(split)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, fmt.Errorf("split %q is empty, run generate first", split)
	}
	idxs := make([]int, n)
	for i := range idxs {
		idxs[i] = rng.Intn(total)
	}
	return s.loadByIdx(split, idxs)
}

// LoadRange returns examples [offset, offset+limit) of a split in
// image_idx order.
func (s *Store) LoadRange(split string, offset, limit int) ([]*Example, error) {
	rows, err := s.db.Query(
		`SELECT split, image_idx, c, h, w, features, question, program, answer, scene
		 FROM examples WHERE split = ? ORDER BY image_idx LIMIT ? OFFSET ?`,
		split, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Example
	for rows.Next() {
		ex, err := scanExample(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

// BeginRun registers a new training run and returns its id.
func (s *Store) BeginRun(cfg *Config) (string, error) {
	runID := uuid.NewString()
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	_, err = s.db.Exec(`INSERT INTO runs (run_id, started_at, config) VALUES (?, ?, ?)`,
		runID, time.Now().UTC().Format(time.RFC3339), string(cfgJSON))
	return runID, err
}

// LogStep appends one point to the training curve. accuracy < 0 means
// "not evaluated this step" and is stored as NULL.
func (s *Store) LogStep(runID string, step int, loss, accuracy, lr float64) error {
	var acc any
	if accuracy >= 0 {
		acc = accuracy
	}
	_, err := s.db.Exec(
		`INSERT INTO train_log (run_id, step, loss, accuracy, lr, at) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, step, loss, acc, lr, time.Now().UTC().Format(time.RFC3339))
	return err
}
