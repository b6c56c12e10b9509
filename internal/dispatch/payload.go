package dispatch

import (
	"strings"
	"time"

	"autopilot/internal/task/model"
)

// Batch is the envelope posted to a worker service.
type Batch struct {
	BatchID      string       `json:"batch_id"`
	Family       string       `json:"family"`
	Tenant       Tenant       `json:"tenant"`
	Items        []Item       `json:"items"`
	Settings     Settings     `json:"settings"`
	Traceability Traceability `json:"traceability"`
}

type Tenant struct {
	MandatePath string `json:"mandate_path"`
	CompanyID   string `json:"company_id,omitempty"`
	UserID      string `json:"user_id,omitempty"`
}

type Item struct {
	JobID  string         `json:"job_id"`
	Label  string         `json:"label,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

type Settings struct {
	Instructions string `json:"instructions,omitempty"`
	Async        bool   `json:"async"`
}

type Traceability struct {
	ThreadKey     string     `json:"thread_key"`
	ExecutionID   string     `json:"execution_id"`
	ExecutionPlan model.Plan `json:"execution_plan"`
	InitiatedAt   time.Time  `json:"initiated_at"`
	Source        string     `json:"source"`
}

func (b Batch) JobIDs() []string {
	out := make([]string, len(b.Items))
	for i, it := range b.Items {
		out[i] = it.JobID
	}
	return out
}

func buildBatch(batchID, family, source string, s Session, records []Record, instructions string, async bool, now time.Time) Batch {
	items := make([]Item, len(records))
	for i, r := range records {
		items[i] = Item{JobID: r.ID, Label: NormalizeString(r.Label), Fields: normalizeFields(r.Fields)}
	}
	return Batch{
		BatchID: batchID,
		Family:  family,
		Tenant: Tenant{
			MandatePath: s.MandatePath,
			CompanyID:   NormalizeString(s.CompanyID),
			UserID:      NormalizeString(s.UserID),
		},
		Items:    items,
		Settings: Settings{Instructions: strings.TrimSpace(instructions), Async: async},
		Traceability: Traceability{
			ThreadKey:     s.ThreadKey,
			ExecutionID:   s.ExecutionID,
			ExecutionPlan: s.ExecutionPlan,
			InitiatedAt:   now.UTC(),
			Source:        source,
		},
	}
}

// NormalizeString collapses serialized empty markers to "".
func NormalizeString(s string) string {
	switch strings.TrimSpace(s) {
	case "None", "null", "False":
		return ""
	}
	return s
}

func normalizeFields(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return NormalizeString(x)
	case map[string]any:
		return normalizeFields(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = normalizeValue(x[i])
		}
		return out
	}
	return v
}
