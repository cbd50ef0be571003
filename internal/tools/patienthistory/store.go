package patienthistory

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bull/clinical-rag-agent/internal/docstore"
	"github.com/bull/clinical-rag-agent/internal/domain"
	"github.com/bull/clinical-rag-agent/internal/tools"
)

const recordExt = ".txt"

// FileStore reads "<dir>/<patientId>.txt".
type FileStore struct {
	dir string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Dir returns the patient directory.
func (s *FileStore) Dir() string { return s.dir }

// Get loads and parses one patient record.
func (s *FileStore) Get(ctx context.Context, patientID string) (*Record, error) {
	in := tools.PatientHistoryInput{PatientID: patientID}
	if err := in.Validate(); err != nil {
		return nil, domain.Wrap(domain.ErrInvalidInput, "history.get", patientID, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Join(s.dir, strings.TrimSpace(patientID)+recordExt)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.Errorf(domain.ErrNotFound, "history.get", patientID, "no record for patient")
		}
		return nil, fmt.Errorf("read patient record: %w", err)
	}

	rec := Parse(string(data))
	if rec.PatientID == "" {
		rec.PatientID = strings.TrimSpace(patientID)
	}
	rec.SourcePath = path
	return &rec, nil
}

// ListPatients returns the ids of all patient records, sorted.
func (s *FileStore) ListPatients(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("list patients: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != recordExt {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), recordExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// ImportResult counts the outcome of an import.
type ImportResult struct {
	Written int
	Skipped int
}

// ImportCSV converts a Synthea patient export (columns id, name, gender,
// birthDate, conditions, medications) into one text file per patient.
// Existing files are left alone, so repeated imports are idempotent.
func (s *FileStore) ImportCSV(ctx context.Context, r io.Reader) (ImportResult, error) {
	var res ImportResult
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return res, fmt.Errorf("read csv header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}
	if _, ok := col["id"]; !ok {
		return res, domain.Errorf(domain.ErrInvalidInput, "history.import", "", "csv has no id column")
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return res, fmt.Errorf("create patient dir: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return res, nil
		}
		if err != nil {
			return res, fmt.Errorf("read csv row: %w", err)
		}
		field := func(name string) string {
			i, ok := col[name]
			if !ok || i >= len(row) || strings.TrimSpace(row[i]) == "" {
				return "N/A"
			}
			return row[i]
		}

		id := strings.TrimSpace(row[col["id"]])
		if err := (tools.PatientHistoryInput{PatientID: id}).Validate(); err != nil {
			res.Skipped++
			continue
		}
		path := filepath.Join(s.dir, id+recordExt)
		if _, err := os.Stat(path); err == nil {
			res.Skipped++
			continue
		}

		text := fmt.Sprintf("Patient ID: %s\nName: %s\nGender: %s\nBirth Date: %s\nConditions: %s\nMedications: %s\n",
			id, field("name"), field("gender"), field("birthDate"), field("conditions"), field("medications"))
		if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
			return res, fmt.Errorf("write patient %s: %w", id, err)
		}
		res.Written++
	}
}

// DocumentID is the index id of a patient's record.
func DocumentID(patientID string) string {
	return docstore.DocumentID(domain.KindPatient, patientID+recordExt)
}
