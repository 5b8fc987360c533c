// Package model defines the persisted and transient data types shared across
// the engine: collections, requests, environments, globals, runs, sampled
// results, and metric snapshots. Types here are pure data — no behaviour
// beyond small helpers — so every other package can traffic in typed values
// instead of raw JSON.
package model

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// NewID returns a fresh opaque entity identifier. Collections, Requests and
// Environments use this; Runs use their own run_<ms> form (see NewRunID).
func NewID() string {
	return uuid.NewString()
}

var runIDSeq atomic.Int64

// NewRunID returns a fresh run_<ms>_<seq> identifier: millisecond wall-clock
// plus a process-wide counter so two runs started in the same millisecond
// never collide.
func NewRunID() string {
	seq := runIDSeq.Add(1)
	return fmt.Sprintf("run_%d_%d", time.Now().UnixMilli(), seq)
}

// Variable is one entry in a VariableMap.
type Variable struct {
	Value   string `json:"value"`
	Enabled bool   `json:"enabled"`
	Secret  bool   `json:"secret"`
}

// VariableMap is a named set of Variables belonging to a Collection,
// Environment, or the Globals singleton.
type VariableMap map[string]Variable

// Collection is a node in the request-organisation forest. ParentID is
// empty for a root collection.
type Collection struct {
	ID        string      `json:"id"`
	ParentID  string      `json:"parentId,omitempty"`
	Name      string      `json:"name"`
	Order     int         `json:"order"`
	Variables VariableMap `json:"variables"`
	CreatedAt int64       `json:"createdAt"`
	UpdatedAt int64       `json:"updatedAt"`
}

// RequestBodyType enumerates the supported body encodings for a Request.
type RequestBodyType string

const (
	BodyNone     RequestBodyType = "none"
	BodyJSON     RequestBodyType = "json"
	BodyText     RequestBodyType = "text"
	BodyForm     RequestBodyType = "form"
	BodyFormData RequestBodyType = "formdata"
	BodyBinary   RequestBodyType = "binary"
)

// RequestBody is the tagged body payload attached to a Request definition.
type RequestBody struct {
	Type    RequestBodyType `json:"type"`
	Content string          `json:"content"`
}

// RequestAuth carries inline authentication material for a Request. Kind is
// one of "none", "bearer", "basic"; fields beyond Kind are optional and
// interpreted according to it.
type RequestAuth struct {
	Kind     string `json:"kind"`
	Token    string `json:"token,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Request is a stored HTTP request definition belonging to a Collection.
type Request struct {
	ID          string            `json:"id"`
	CollectionID string           `json:"collectionId"`
	Name        string            `json:"name"`
	Method      string            `json:"method"`
	URL         string            `json:"url"`
	Headers     map[string]string `json:"headers"`
	Params      map[string]string `json:"params"`
	Body        RequestBody       `json:"body"`
	Auth        *RequestAuth      `json:"auth,omitempty"`
	PreScript   string            `json:"preScript,omitempty"`
	PostScript  string            `json:"postScript,omitempty"`
	CreatedAt   int64             `json:"createdAt"`
	UpdatedAt   int64             `json:"updatedAt"`
}

// ValidMethods is the closed set of HTTP methods a Request may use.
var ValidMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true,
	"DELETE": true, "HEAD": true, "OPTIONS": true,
}

// ValidBodyTypes is the closed set of body encodings a Request may use.
var ValidBodyTypes = map[RequestBodyType]bool{
	BodyNone: true, BodyJSON: true, BodyText: true,
	BodyForm: true, BodyFormData: true, BodyBinary: true,
}

// Environment is a named set of variables selectable at run time.
type Environment struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Variables VariableMap `json:"variables"`
	UpdatedAt int64       `json:"updatedAt"`
}

// GlobalsID is the fixed identifier of the Globals singleton row.
const GlobalsID = "globals"

// Globals is the singleton variable set applied to every request regardless
// of environment.
type Globals struct {
	ID        string      `json:"id"`
	Variables VariableMap `json:"variables"`
	UpdatedAt int64       `json:"updatedAt"`
}

// RunType distinguishes a one-shot Design-mode execution from a
// strategy-driven Load-mode workload.
type RunType string

const (
	RunTypeDesign RunType = "Design"
	RunTypeLoad   RunType = "Load"
)

// RunStatus is the one-shot lattice a Run's status travels through:
// Pending -> Running -> (Completed | Stopped | Failed).
type RunStatus string

const (
	RunPending   RunStatus = "Pending"
	RunRunning   RunStatus = "Running"
	RunCompleted RunStatus = "Completed"
	RunStopped   RunStatus = "Stopped"
	RunFailed    RunStatus = "Failed"
)

// Terminal reports whether s is one of the lattice's terminal states.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunStopped || s == RunFailed
}

// Run is the metadata record for one Design or Load execution.
type Run struct {
	ID              string    `json:"id"`
	Type            RunType   `json:"type"`
	Status          RunStatus `json:"status"`
	RequestID       string    `json:"requestId,omitempty"`
	EnvironmentID   string    `json:"environmentId,omitempty"`
	ConfigSnapshot  string    `json:"configSnapshot"`
	StartTime       int64     `json:"startTime"`
	EndTime         int64     `json:"endTime,omitempty"`
}

// Result is one sampled per-request outcome recorded against a Run.
type Result struct {
	RunID      string  `json:"runId"`
	Timestamp  int64   `json:"timestamp"`
	StatusCode int     `json:"statusCode"`
	LatencyMs  float64 `json:"latencyMs"`
	Error      string  `json:"error"`
	TraceData  string  `json:"traceData"`
}

// MetricName is the closed enumeration of time-series metric kinds.
type MetricName string

const (
	MetricRps               MetricName = "Rps"
	MetricErrorRate         MetricName = "ErrorRate"
	MetricConnectionsActive MetricName = "ConnectionsActive"
	MetricRequestsSent      MetricName = "RequestsSent"
	MetricTotalRequests     MetricName = "TotalRequests"
	MetricLatencyAvg        MetricName = "LatencyAvg"
	MetricLatencyP50        MetricName = "LatencyP50"
	MetricLatencyP75        MetricName = "LatencyP75"
	MetricLatencyP90        MetricName = "LatencyP90"
	MetricLatencyP95        MetricName = "LatencyP95"
	MetricLatencyP99        MetricName = "LatencyP99"
	MetricLatencyP999       MetricName = "LatencyP999"
	MetricSendRate          MetricName = "SendRate"
	MetricThroughput        MetricName = "Throughput"
	MetricBackpressure      MetricName = "Backpressure"
	MetricSetupOverhead     MetricName = "SetupOverhead"
	MetricTestDuration      MetricName = "TestDuration"
	MetricStatusCodes       MetricName = "StatusCodes"
	MetricTestsPassed       MetricName = "TestsPassed"
	MetricTestsFailed       MetricName = "TestsFailed"
	MetricTestsSampled      MetricName = "TestsSampled"
	MetricCompleted         MetricName = "Completed"
)

// MetricSnapshot is one row of the append-only time-series kept per run.
type MetricSnapshot struct {
	ID        int64      `json:"id"`
	RunID     string     `json:"runId"`
	Timestamp int64      `json:"timestamp"`
	Name      MetricName `json:"name"`
	Value     float64    `json:"value"`
	Labels    string     `json:"labels,omitempty"`
}

// ConfigValueType enumerates the wire type of a ConfigEntry's value.
type ConfigValueType string

const (
	ConfigString  ConfigValueType = "string"
	ConfigInteger ConfigValueType = "integer"
	ConfigNumber  ConfigValueType = "number"
	ConfigBoolean ConfigValueType = "boolean"
)

// ConfigEntry describes one engine tunable, with metadata for the
// /config endpoints.
type ConfigEntry struct {
	Key         string          `json:"key"`
	Value       string          `json:"value"`
	Type        ConfigValueType `json:"type"`
	Label       string          `json:"label"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Default     string          `json:"default"`
	Min         *float64        `json:"min,omitempty"`
	Max         *float64        `json:"max,omitempty"`
	UpdatedAt   int64           `json:"updatedAt"`
}
