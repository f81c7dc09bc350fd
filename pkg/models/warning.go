package models

import (
	"fmt"
	"sort"
	"strings"
)

// Severity represents the severity level of a warning
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// GetSeverityPriority returns numeric priority for severity (higher = more severe)
func GetSeverityPriority(s Severity) int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// Warning is one problem recorded while a job runs
type Warning struct {
	Severity Severity `json:"severity"`
	Phase    string   `json:"phase"`          // Job phase that recorded it
	Path     string   `json:"path,omitempty"` // Entry the warning is about
	Message  string   `json:"message"`
}

func (w Warning) String() string {
	if w.Path == "" {
		return fmt.Sprintf("[%s] %s: %s", w.Severity, w.Phase, w.Message)
	}
	return fmt.Sprintf("[%s] %s: %s: %s", w.Severity, w.Phase, w.Path, w.Message)
}

// WarningList accumulates warnings in insertion order
type WarningList []Warning

// Add appends a warning
func (l *WarningList) Add(severity Severity, phase, path, message string) {
	*l = append(*l, Warning{Severity: severity, Phase: phase, Path: path, Message: message})
}

// Critical returns the critical warnings in insertion order
func (l WarningList) Critical() WarningList {
	var out WarningList
	for _, w := range l {
		if w.Severity == SeverityCritical {
			out = append(out, w)
		}
	}
	return out
}

// HasCritical reports whether any warning is critical
func (l WarningList) HasCritical() bool {
	for _, w := range l {
		if w.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// Count returns the number of warnings with the given severity
func (l WarningList) Count(s Severity) int {
	n := 0
	for _, w := range l {
		if w.Severity == s {
			n++
		}
	}
	return n
}

// Summary renders the list most severe first, keeping insertion order
// within a severity. The output is stable for the same list.
func (l WarningList) Summary() string {
	if len(l) == 0 {
		return ""
	}
	sorted := make([]Warning, len(l))
	copy(sorted, l)
	sort.SliceStable(sorted, func(i, j int) bool {
		return GetSeverityPriority(sorted[i].Severity) > GetSeverityPriority(sorted[j].Severity)
	})

	var b strings.Builder
	for i, w := range sorted {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(w.String())
	}
	return b.String()
}
