// Package patienthistory reads patient records from the patient text corpus
// and exposes them as the get_patient_history tool.
package patienthistory

import (
	"regexp"
	"strings"
)

// Record is a parsed patient text file.
type Record struct {
	PatientID   string   `json:"patient_id"`
	Name        string   `json:"name,omitempty"`
	Gender      string   `json:"gender,omitempty"`
	BirthDate   string   `json:"birth_date,omitempty"`
	Conditions  []string `json:"conditions"`  // Every listed condition, tags kept
	Disorders   []string `json:"disorders"`   // Conditions tagged "(disorder)", tag removed
	Medications []string `json:"medications"` // Empty when the record says N/A
	SourcePath  string   `json:"source_path,omitempty"`
	Raw         string   `json:"-"`
}

const (
	fieldPatientID   = "patient id"
	fieldName        = "name"
	fieldGender      = "gender"
	fieldBirthDate   = "birth date"
	fieldConditions  = "conditions"
	fieldMedications = "medications"
)

var labelRe = regexp.MustCompile(`^([A-Za-z][A-Za-z ]*):(.*)$`)

var knownFields = map[string]bool{
	fieldPatientID:   true,
	fieldName:        true,
	fieldGender:      true,
	fieldBirthDate:   true,
	fieldConditions:  true,
	fieldMedications: true,
}

// Parse reads the "Label: value" layout written by the Synthea import. The
// Conditions and Medications blocks may continue on following lines until the
// next known label.
func Parse(text string) Record {
	fields := make(map[string]*strings.Builder)
	current := ""
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if m := labelRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			label := strings.ToLower(strings.TrimSpace(m[1]))
			if knownFields[label] {
				current = label
				b := &strings.Builder{}
				b.WriteString(strings.TrimSpace(m[2]))
				fields[label] = b
				continue
			}
		}
		if current == fieldConditions || current == fieldMedications {
			b := fields[current]
			b.WriteByte('\n')
			b.WriteString(line)
		}
	}

	get := func(label string) string {
		if b, ok := fields[label]; ok {
			return strings.TrimSpace(b.String())
		}
		return ""
	}

	conditions := get(fieldConditions)
	return Record{
		PatientID:   get(fieldPatientID),
		Name:        get(fieldName),
		Gender:      get(fieldGender),
		BirthDate:   get(fieldBirthDate),
		Conditions:  splitList(conditions),
		Disorders:   ExtractConditions(conditions),
		Medications: splitList(get(fieldMedications)),
		Raw:         text,
	}
}

const disorderTag = "(disorder)"

// ExtractConditions returns the items of a conditions block that are tagged
// "(disorder)", with the tag, list dashes and whitespace removed. Items are
// split on newlines and semicolons; duplicates are dropped, order kept.
func ExtractConditions(block string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, item := range strings.FieldsFunc(block, isListSep) {
		if !strings.Contains(item, disorderTag) {
			continue
		}
		c := strings.TrimSpace(strings.Trim(strings.ReplaceAll(item, disorderTag, ""), "- "))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func splitList(block string) []string {
	out := []string{}
	for _, item := range strings.FieldsFunc(block, isListSep) {
		item = strings.TrimSpace(strings.Trim(strings.TrimSpace(item), "-"))
		switch strings.ToLower(item) {
		case "", "n/a", "nan", "none":
			continue
		}
		out = append(out, item)
	}
	return out
}

func isListSep(r rune) bool {
	return r == '\n' || r == ';'
}
