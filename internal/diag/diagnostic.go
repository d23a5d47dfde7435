package diag

import "hvjit/internal/ir"

// Severity orders findings; a larger value is more serious.
type Severity uint8

const (
	SevInfo Severity = iota
	SevWarning
	SevError
)

// String is the label FormatShort prints.
func (s Severity) String() string {
	switch s {
	case SevWarning:
		return "warning"
	case SevError:
		return "error"
	}
	return "info"
}

// Note points at a secondary site, such as the other end of a cycle.
type Note struct {
	Site ir.Site
	Msg  string
}

// Diagnostic is one finding of a compile job.
type Diagnostic struct {
	Severity Severity
	Code     Code
	Message  string
	// Primary is the IR site the finding is about; zero when it concerns
	// the compilation as a whole.
	Primary ir.Site
	Notes   []Note
}

func New(sev Severity, code Code, primary ir.Site, msg string) *Diagnostic {
	return &Diagnostic{Severity: sev, Code: code, Primary: primary, Message: msg}
}

func NewError(code Code, primary ir.Site, msg string) *Diagnostic {
	return New(SevError, code, primary, msg)
}
