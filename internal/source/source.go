package source

import (
	"context"

	"insight-agent/internal/model"
)

// Source produces the pieces of one telemetry sample. Implementations substitute
// placeholders for fields they cannot read and report those fields through the
// returned error rather than failing the whole call.
type Source interface {
	Identity(ctx context.Context) model.DeviceIdentity
	Resources(ctx context.Context) (model.ResourceReading, error)
	ProcessSnapshot(ctx context.Context, n int) (*model.ProcessSnapshot, error)
	NetworkThroughput(ctx context.Context) (model.Throughput, error)
}

// ProcessLister is the process capability of a source. NopProcesses stands in
// where process accounting is unavailable.
type ProcessLister interface {
	TopProcesses(ctx context.Context, n int) (*model.ProcessSnapshot, error)
}

// ThroughputMeter is stateful: the first call establishes a baseline and reports zeros.
type ThroughputMeter interface {
	Throughput(ctx context.Context) (model.Throughput, error)
}

// FieldError marks a single unreadable field.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return e.Field + ": " + e.Err.Error()
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// FailedFields lists the fields named by FieldErrors anywhere in err's tree.
func FailedFields(err error) []string {
	var out []string
	var walk func(error)
	walk = func(e error) {
		if e == nil {
			return
		}
		if fe, ok := e.(*FieldError); ok {
			out = append(out, fe.Field)
			return
		}
		switch u := e.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range u.Unwrap() {
				walk(inner)
			}
		case interface{ Unwrap() error }:
			walk(u.Unwrap())
		}
	}
	walk(err)
	return out
}
