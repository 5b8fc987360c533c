// Package runcontroller implements component H: it translates a RunSpec
// into a sequence of submissions against a per-run eventloop.EventLoop,
// honoring one of the four strategies and cooperative cancellation, while a
// metrics thread appends snapshots to the store at a fixed cadence.
package runcontroller

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/firasghr/loadengine/internal/engineerr"
)

// Mode is the closed strategy enum named in spec §4.H.
type Mode string

const (
	ModeConstant Mode = "constant"
	ModeIterations Mode = "iterations"
	ModeRampUp   Mode = "ramp_up"
)

// Duration accepts either a bare integer (seconds) or a string with an
// "s"/"m"/"h" suffix on the wire, per spec §6's RunSpec.duration field.
type Duration time.Duration

// UnmarshalJSON implements the int-or-suffixed-string duration contract.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var asNumber float64
	if err := json.Unmarshal(b, &asNumber); err == nil {
		*d = Duration(time.Duration(asNumber) * time.Second)
		return nil
	}
	var asString string
	if err := json.Unmarshal(b, &asString); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	parsed, err := parseDurationString(asString)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func parseDurationString(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("duration: empty string")
	}
	unit := s[len(s)-1]
	var mult time.Duration
	switch unit {
	case 's':
		mult = time.Second
	case 'm':
		mult = time.Minute
	case 'h':
		mult = time.Hour
	default:
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("duration: unrecognized format %q", s)
		}
		return time.Duration(n * float64(time.Second)), nil
	}
	n, err := strconv.ParseFloat(strings.TrimSuffix(s, string(unit)), 64)
	if err != nil {
		return 0, fmt.Errorf("duration: unrecognized format %q", s)
	}
	return time.Duration(n * float64(mult)), nil
}

// Stage is one piecewise ramp-up segment.
type Stage struct {
	DurationS Duration `json:"duration"`
	TargetRPS float64  `json:"targetRps"`
}

// RunSpec mirrors spec §6's POST /run body, recognized fields, verbatim
// (unknown inbound fields are ignored per spec §6, so no extra validation
// tag is needed beyond the standard json.Unmarshal behavior).
type RunSpec struct {
	Method            string            `json:"method"`
	URL               string            `json:"url"`
	Headers           map[string]string `json:"headers"`
	Params            map[string]string `json:"params"`
	Body              string            `json:"body"`
	Auth              *AuthSpec         `json:"auth"`
	PreRequestScript  string            `json:"preRequestScript"`
	PostRequestScript string            `json:"postRequestScript"`
	RequestID         string            `json:"requestId"`
	EnvironmentID     string            `json:"environmentId"`
	Comment           string            `json:"comment"`

	Mode Mode `json:"mode"`

	Duration    *Duration `json:"duration"`
	Iterations  int       `json:"iterations"`
	Concurrency int       `json:"concurrency"`
	TargetRPS   float64   `json:"targetRps"`

	StartConcurrency int       `json:"startConcurrency"`
	RampUpDuration   *Duration `json:"rampUpDuration"`
	Stages           []Stage   `json:"stages"`

	SuccessSampleRate   int  `json:"success_sample_rate"`
	SlowThresholdMs     int  `json:"slow_threshold_ms"`
	SaveTimingBreakdown bool `json:"save_timing_breakdown"`

	// TimeoutMs overrides the engine's default_timeout_ms for every
	// submission in this run; 0 means "use the engine default." Not listed
	// among spec.md §6's RunSpec fields, but named directly in its scenario
	// 2 ("timeout_ms:500") and licensed by §5's "overridable in the
	// request" — supplemented here per SPEC_FULL.md's expansion rule.
	TimeoutMs int `json:"timeout_ms"`
}

// AuthSpec carries inline request authentication.
type AuthSpec struct {
	Kind     string `json:"kind"`
	Token    string `json:"token"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Validate checks the structural and boundary rules named in spec §8
// ("Boundary behaviors") and returns an *engineerr.Error with code
// INVALID_REQUEST on the first violation found.
func (s *RunSpec) Validate() error {
	if s.Method == "" || s.URL == "" {
		return engineerr.New(engineerr.InvalidRequest, "method and url are required")
	}
	switch s.Mode {
	case ModeConstant:
		if s.Duration == nil {
			return engineerr.New(engineerr.InvalidRequest, "constant mode requires duration")
		}
		if time.Duration(*s.Duration) <= 0 {
			return engineerr.New(engineerr.InvalidRequest, "duration must be > 0")
		}
	case ModeIterations:
		if s.Iterations <= 0 {
			return engineerr.New(engineerr.InvalidRequest, "iterations must be > 0")
		}
		if s.Concurrency <= 0 {
			return engineerr.New(engineerr.InvalidRequest, "iterations mode requires concurrency >= 1")
		}
	case ModeRampUp:
		if len(s.Stages) == 0 {
			return engineerr.New(engineerr.InvalidRequest, "ramp_up mode requires a non-empty stages array; the object form (rampUpDuration/startConcurrency/concurrency) is not supported")
		}
		for _, st := range s.Stages {
			if time.Duration(st.DurationS) <= 0 {
				return engineerr.New(engineerr.InvalidRequest, "every stage duration must be > 0")
			}
		}
	default:
		return engineerr.New(engineerr.InvalidRequest, fmt.Sprintf("unrecognized mode %q", s.Mode))
	}
	return nil
}

// ExpectedRequests computes requests_expected up front per spec §4.H,
// including the ramp-up piecewise integral (sum of stage.duration *
// stage.targetRps). Constant-concurrency mode (no targetRps) has no
// closed-form count — callers should treat 0 as "unbounded, tracked live."
func (s *RunSpec) ExpectedRequests() int64 {
	switch s.Mode {
	case ModeConstant:
		if s.TargetRPS > 0 && s.Duration != nil {
			return int64(s.TargetRPS * time.Duration(*s.Duration).Seconds())
		}
		return 0
	case ModeIterations:
		return int64(s.Iterations)
	case ModeRampUp:
		var total float64
		for _, st := range s.Stages {
			total += time.Duration(st.DurationS).Seconds() * st.TargetRPS
		}
		return int64(total)
	}
	return 0
}
