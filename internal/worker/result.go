package worker

type Status int

const (
	StatusOK Status = iota
	StatusDegraded
	StatusFailed
	StatusIdle
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusDegraded:
		return "degraded"
	case StatusFailed:
		return "failed"
	case StatusIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// Result is the outcome of one loop tick. Err is set for Degraded and Failed.
// Fields names the sample fields that fell back to placeholders.
type Result struct {
	Status   Status
	Err      error
	Fields   []string
	RecordID int64
	Uploaded int
}

func (r Result) LogAttrs() []any {
	attrs := []any{"status", r.Status.String()}
	if r.Err != nil {
		attrs = append(attrs, "error", r.Err)
	}
	if len(r.Fields) > 0 {
		attrs = append(attrs, "fields", r.Fields)
	}
	if r.RecordID > 0 {
		attrs = append(attrs, "record_id", r.RecordID)
	}
	if r.Uploaded > 0 {
		attrs = append(attrs, "uploaded", r.Uploaded)
	}
	return attrs
}

func Failed(err error) Result {
	return Result{Status: StatusFailed, Err: err}
}
