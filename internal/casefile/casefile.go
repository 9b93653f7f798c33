// Package casefile loads case documents and assignment lists from JSON or YAML
// files and normalizes them before they enter the store.
package casefile

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/pavelanni/osce/internal/model"
)

// OtherOptionID is the id used for the diagnosis free-text sentinel when a case
// does not declare one.
const OtherOptionID = "other"

var validate = validator.New()

// Default management option sets used when a case omits them.
var (
	DefaultImmediate = []model.Option{
		{ID: "imm-abcde", Text: "ABCDE assessment and resuscitation"},
		{ID: "imm-oxygen", Text: "Supplemental oxygen to target saturation"},
		{ID: "imm-iv-access", Text: "Secure IV access"},
		{ID: "imm-analgesia", Text: "Analgesia"},
		{ID: "imm-senior", Text: "Escalate to senior clinician"},
	}
	DefaultInvestigations = []model.Option{
		{ID: "inv-bloods", Text: "Full blood count, electrolytes, renal function"},
		{ID: "inv-ecg", Text: "12-lead ECG"},
		{ID: "inv-imaging", Text: "Appropriate imaging"},
	}
	DefaultDefinitive = []model.Option{
		{ID: "def-admit", Text: "Admit for inpatient management"},
		{ID: "def-discharge", Text: "Discharge with safety-netting and follow-up"},
		{ID: "def-refer", Text: "Refer to specialist team"},
	}
)

// File is a loaded document together with its content hash.
type File struct {
	Path string
	Hash string
	Data []byte
}

// Read reads a file and computes its sha256.
func Read(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read %s: %w", path, err)
	}
	sum := sha256.Sum256(data)
	return File{Path: path, Hash: hex.EncodeToString(sum[:]), Data: data}, nil
}

// decode unmarshals JSON or YAML depending on the file extension.
func decode(f File, v any) error {
	switch strings.ToLower(filepath.Ext(f.Path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(f.Data, v); err != nil {
			return fmt.Errorf("parse %s: %w", f.Path, err)
		}
	default:
		if err := json.Unmarshal(f.Data, v); err != nil {
			return fmt.Errorf("parse %s: %w", f.Path, err)
		}
	}
	return nil
}

// ParseCase decodes, normalizes and validates a case document.
func ParseCase(f File) (model.CaseDocument, error) {
	var c model.CaseDocument
	if err := decode(f, &c); err != nil {
		return c, err
	}
	ApplyDefaults(&c)
	if err := Validate(c); err != nil {
		return c, fmt.Errorf("%s: %w", f.Path, err)
	}
	return c, nil
}

// ParseAssignments decodes and validates a list of assignments.
func ParseAssignments(f File) ([]model.Assignment, error) {
	var list []model.Assignment
	if err := decode(f, &list); err != nil {
		return nil, err
	}
	for i, a := range list {
		if err := validate.Struct(a); err != nil {
			return nil, fmt.Errorf("%s: assignment %d: %w", f.Path, i, err)
		}
	}
	return list, nil
}

// ApplyDefaults fills the gaps a case document may have so that scoring and
// decision capture never operate on missing option sets.
func ApplyDefaults(c *model.CaseDocument) {
	if c.Script.History == nil {
		c.Script.History = map[string]string{}
	}
	if c.Script.Exams == nil {
		c.Script.Exams = map[string]model.ScriptItem{}
	}
	if c.Script.Labs == nil {
		c.Script.Labs = map[string]model.ScriptItem{}
	}
	if _, ok := c.OtherDiagnosisOption(); !ok {
		c.DiagnosisOptions = append(c.DiagnosisOptions, model.Option{
			ID:    OtherOptionID,
			Text:  "Other (specify)",
			Other: true,
		})
	}
	if len(c.ManagementOptions.Immediate) == 0 {
		c.ManagementOptions.Immediate = append([]model.Option(nil), DefaultImmediate...)
	}
	if len(c.ManagementOptions.Investigations) == 0 {
		c.ManagementOptions.Investigations = append([]model.Option(nil), DefaultInvestigations...)
	}
	if len(c.ManagementOptions.Definitive) == 0 {
		c.ManagementOptions.Definitive = append([]model.Option(nil), DefaultDefinitive...)
	}
	for i := range c.Rubric.Sections {
		s := &c.Rubric.Sections[i]
		for j := range s.Items {
			if s.Items[j].Weight == 0 {
				s.Items[j].Weight = 1
			}
		}
		if s.Max == 0 {
			for _, it := range s.Items {
				s.Max += it.Weight
			}
		}
	}
}

// Validate checks struct constraints and cross-field rules of a case.
func Validate(c model.CaseDocument) error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", model.ErrInvalidCase, err)
	}
	seen := make(map[string]bool)
	for _, s := range c.Rubric.Sections {
		for _, it := range s.Items {
			if seen[it.ID] {
				return fmt.Errorf("%w: duplicate rubric item id %q", model.ErrInvalidCase, it.ID)
			}
			seen[it.ID] = true
		}
	}
	var errs []error
	for _, q := range c.Remediation {
		if q.AnswerIndex < 0 || q.AnswerIndex >= len(q.Options) {
			errs = append(errs, fmt.Errorf("remediation %q: answer index %d out of range", q.ID, q.AnswerIndex))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", model.ErrInvalidCase, errors.Join(errs...))
	}
	return nil
}
