package watcher

import (
	"fmt"
	"regexp"
	"time"
)

// Watch modes.
const (
	ModeAbsolute = "absolute"
	ModePattern  = "pattern"
)

// DefaultDebounce is the per-(rule, path) cooldown window.
const DefaultDebounce = 30 * time.Second

// DefaultMaxConcurrent caps concurrent file processors per agent.
const DefaultMaxConcurrent = 3

// Settings are the global file-watcher options from the agent config.
type Settings struct {
	ScanDir       string `json:"scanDir,omitempty"`
	ScanSubDir    bool   `json:"scanSubDir,omitempty"`
	MaxConcurrent int    `json:"maxConcurrent,omitempty"`
}

// Rule describes one file-watcher rule: where to watch, which files
// qualify, what to do with them, and when doing it is allowed.
type Rule struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Enabled bool   `json:"enabled"`

	// Mode selects how Directory is interpreted: an exact path
	// (absolute) or a regex beneath the global scan root (pattern).
	Mode      string `json:"mode"`
	Directory string `json:"directory"`
	Recursive bool   `json:"recursive,omitempty"`

	FilenamePattern string `json:"filenamePattern"`
	ContentPattern  string `json:"contentPattern,omitempty"`

	// Operations, applied in declared order.
	CopyTo          string `json:"copyTo,omitempty"`
	TempExtension   string `json:"tempExtension,omitempty"`
	InsertTimestamp bool   `json:"insertTimestamp,omitempty"`
	BackupTo        string `json:"backupTo,omitempty"`
	RenameTo        string `json:"renameTo,omitempty"`
	Overwrite       bool   `json:"overwrite,omitempty"`
	RemoveAfter     bool   `json:"removeAfter,omitempty"`

	// Hooks accept a shell command or a WF:<name> workflow reference.
	Before  string `json:"before,omitempty"`
	After   string `json:"after,omitempty"`
	OnError string `json:"onError,omitempty"`

	// Time restrictions. DaysOfWeek is a bitmask with bit 0 = Sunday;
	// zero admits every day.
	StartHour        int `json:"startHour,omitempty"`
	StartMinute      int `json:"startMinute,omitempty"`
	EndHour          int `json:"endHour,omitempty"`
	EndMinute        int `json:"endMinute,omitempty"`
	DaysOfWeek       int `json:"daysOfWeek,omitempty"`
	ProcessAfterSecs int `json:"processAfterSecs,omitempty"`

	// Processing options.
	CheckInUse        bool `json:"checkInUse,omitempty"`
	MaxRetries        int  `json:"maxRetries,omitempty"`
	RetryDelaySecs    int  `json:"retryDelaySecs,omitempty"`
	DelayNextFileSecs int  `json:"delayNextFileSecs,omitempty"`
	DebounceSecs      int  `json:"debounceSecs,omitempty"`

	// workflowID binds a synthesized trigger rule to its workflow.
	// Rules from config never carry it; admitted files run the bound
	// workflow instead of the operation sequence.
	workflowID string
}

// compiledRule carries the rule plus its compiled matchers.
type compiledRule struct {
	Rule

	directoryRe *regexp.Regexp // pattern mode only
	filenameRe  *regexp.Regexp
	contentRe   *regexp.Regexp
}

// compile validates a rule and compiles its regular expressions.
func (r Rule) compile() (*compiledRule, error) {
	if r.ID == "" {
		return nil, fmt.Errorf("rule without an id")
	}
	c := &compiledRule{Rule: r}

	switch r.Mode {
	case ModeAbsolute:
		if r.Directory == "" {
			return nil, fmt.Errorf("rule %s: absolute mode requires a directory", r.ID)
		}
	case ModePattern:
		re, err := regexp.Compile(r.Directory)
		if err != nil {
			return nil, fmt.Errorf("rule %s: invalid directory pattern: %w", r.ID, err)
		}
		c.directoryRe = re
	default:
		return nil, fmt.Errorf("rule %s: unknown mode %q", r.ID, r.Mode)
	}

	if r.FilenamePattern == "" {
		return nil, fmt.Errorf("rule %s: filename pattern is required", r.ID)
	}
	re, err := regexp.Compile(r.FilenamePattern)
	if err != nil {
		return nil, fmt.Errorf("rule %s: invalid filename pattern: %w", r.ID, err)
	}
	c.filenameRe = re

	if r.ContentPattern != "" {
		re, err := regexp.Compile(r.ContentPattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: invalid content pattern: %w", r.ID, err)
		}
		c.contentRe = re
	}
	return c, nil
}

// debounce returns the rule's cooldown window.
func (r *compiledRule) debounce() time.Duration {
	if r.DebounceSecs > 0 {
		return time.Duration(r.DebounceSecs) * time.Second
	}
	return DefaultDebounce
}

// admitsTime reports whether the clock-of-day window and day-of-week
// bitmask admit t, and if not, the next admitting instant.
func (r *compiledRule) admitsTime(t time.Time) (bool, time.Time) {
	if r.DaysOfWeek != 0 && r.DaysOfWeek&(1<<uint(t.Weekday())) == 0 {
		next := t.Truncate(24 * time.Hour).Add(24 * time.Hour)
		return false, next
	}
	if r.StartHour == 0 && r.StartMinute == 0 && r.EndHour == 0 && r.EndMinute == 0 {
		return true, t
	}

	minutes := t.Hour()*60 + t.Minute()
	start := r.StartHour*60 + r.StartMinute
	end := r.EndHour*60 + r.EndMinute
	if minutes >= start && minutes <= end {
		return true, t
	}

	// Defer to today's window start, or tomorrow's when already past.
	next := time.Date(t.Year(), t.Month(), t.Day(), r.StartHour, r.StartMinute, 0, 0, t.Location())
	if minutes > end {
		next = next.Add(24 * time.Hour)
	}
	return false, next
}
