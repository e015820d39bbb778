// Package event defines the workflow message types exchanged between the DAQ
// simulator and the agents. Messages are decoded once at the bus boundary into
// a closed set of typed payloads; anything outside the known set becomes an
// Unknown event that handlers ignore.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/eumaka/swf-testbed/errors"
)

// Type identifies a workflow message type
type Type int

// Known message types. TypeUnknown is the explicit variant for anything the
// decoder does not recognize; unknown messages are logged and dropped, never
// treated as an error.
const (
	TypeUnknown Type = iota
	TypeRunImminent
	TypeStartRun
	TypeStfGen
	TypePauseRun
	TypeResumeRun
	TypeEndRun
	TypeDataReady
	TypeProcessingComplete
)

// wire tags, shared with the Python monitor stack
const (
	tagRunImminent        = "run_imminent"
	tagStartRun           = "start_run"
	tagStfGen             = "stf_gen"
	tagPauseRun           = "pause_run"
	tagResumeRun          = "resume_run"
	tagEndRun             = "end_run"
	tagDataReady          = "data_ready"
	tagProcessingComplete = "processing_complete"
)

// String returns the wire tag for the type
func (t Type) String() string {
	switch t {
	case TypeRunImminent:
		return tagRunImminent
	case TypeStartRun:
		return tagStartRun
	case TypeStfGen:
		return tagStfGen
	case TypePauseRun:
		return tagPauseRun
	case TypeResumeRun:
		return tagResumeRun
	case TypeEndRun:
		return tagEndRun
	case TypeDataReady:
		return tagDataReady
	case TypeProcessingComplete:
		return tagProcessingComplete
	default:
		return "unknown"
	}
}

// ParseType maps a wire tag to a Type. Unrecognized tags map to TypeUnknown.
func ParseType(tag string) Type {
	switch tag {
	case tagRunImminent:
		return TypeRunImminent
	case tagStartRun:
		return TypeStartRun
	case tagStfGen:
		return TypeStfGen
	case tagPauseRun:
		return TypePauseRun
	case tagResumeRun:
		return TypeResumeRun
	case tagEndRun:
		return TypeEndRun
	case tagDataReady:
		return TypeDataReady
	case tagProcessingComplete:
		return TypeProcessingComplete
	default:
		return TypeUnknown
	}
}

// IsLifecycle reports whether the type is one of the run lifecycle events
// (as opposed to per-file data events).
func (t Type) IsLifecycle() bool {
	switch t {
	case TypeRunImminent, TypeStartRun, TypePauseRun, TypeResumeRun, TypeEndRun:
		return true
	default:
		return false
	}
}

// Envelope is one immutable message on the bus. RunID and Tick are required
// for every known type; Tick is the producer's simulation clock reading, used
// for causal ordering within a run, not wall-clock ordering.
type Envelope struct {
	ID        string
	Type      Type
	RunID     string
	Tick      float64
	Timestamp time.Time

	// Exactly one of the following is non-nil, matching Type.
	// TypeStartRun, TypePauseRun and TypeResumeRun carry no payload
	// beyond the state/substate markers below.
	RunImminent        *RunImminent
	StfGen             *StfGen
	EndRun             *EndRun
	DataReady          *DataReady
	ProcessingComplete *ProcessingComplete

	// DAQ machine state at emission time, where the producer provides it
	State    string
	Substate string

	// ProcessedBy is the chain of agents that have forwarded this message
	ProcessedBy []string

	// RawTag preserves the original msg_type tag for TypeUnknown events
	RawTag string
}

// RunImminent announces a run about to start and carries the run conditions
// used for dataset and record creation downstream.
type RunImminent struct {
	RunConditions map[string]string `json:"run_conditions"`
}

// StfGen describes one generated super time frame file.
type StfGen struct {
	Filename  string `json:"filename"`
	FileURL   string `json:"file_url"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
	Start     string `json:"start"` // yyyymmddhhmmss window start
	End       string `json:"end"`   // yyyymmddhhmmss window end
	Comment   string `json:"comment,omitempty"`
}

// EndRun carries the producer-declared final file count for the run.
type EndRun struct {
	TotalFiles int    `json:"total_files"`
	Reason     string `json:"reason,omitempty"`
}

// DataReady is the Data agent's derived event: the STF has been registered
// and is ready for the processing stage. It carries a superset of the
// originating StfGen metadata.
type DataReady struct {
	Filename  string `json:"filename"`
	FileURL   string `json:"file_url"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
	Start     string `json:"start"`
	End       string `json:"end"`
}

// ProcessingComplete is the Processing agent's derived event for one file.
type ProcessingComplete struct {
	Filename string `json:"filename"`
	TaskID   string `json:"task_id,omitempty"`
	Success  bool   `json:"success"`
}

// wire is the flat JSON object actually carried on the bus. It is the
// superset of all per-type fields; Decode/Encode translate between it and
// the typed Envelope.
type wire struct {
	MsgType        string            `json:"msg_type"`
	MsgID          string            `json:"msg_id,omitempty"`
	RunID          string            `json:"run_id,omitempty"`
	Timestamp      string            `json:"timestamp,omitempty"`
	SimulationTick float64           `json:"simulation_tick"`
	State          string            `json:"state,omitempty"`
	Substate       string            `json:"substate,omitempty"`
	ProcessedBy    []string          `json:"processed_by,omitempty"`
	RunConditions  map[string]string `json:"run_conditions,omitempty"`
	Filename       string            `json:"filename,omitempty"`
	FileURL        string            `json:"file_url,omitempty"`
	SizeBytes      int64             `json:"size_bytes,omitempty"`
	Checksum       string            `json:"checksum,omitempty"`
	Start          string            `json:"start,omitempty"`
	End            string            `json:"end,omitempty"`
	Comment        string            `json:"comment,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	TotalFiles     *int              `json:"total_files,omitempty"`
	TaskID         string            `json:"task_id,omitempty"`
	Success        *bool             `json:"success,omitempty"`
}

// Decode parses a bus message body into an Envelope. A body that is not a
// JSON object, or a known type missing its required fields, is a malformed
// message. An unrecognized msg_type decodes successfully as TypeUnknown.
func Decode(data []byte) (Envelope, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrMalformedMessage, err),
			"event", "Decode", "unmarshal body")
	}
	if w.MsgType == "" {
		return Envelope{}, errors.WrapInvalid(
			fmt.Errorf("%w: missing msg_type", errors.ErrMalformedMessage),
			"event", "Decode", "validate body")
	}

	env := Envelope{
		ID:          w.MsgID,
		Type:        ParseType(w.MsgType),
		RunID:       w.RunID,
		Tick:        w.SimulationTick,
		State:       w.State,
		Substate:    w.Substate,
		ProcessedBy: w.ProcessedBy,
		RawTag:      w.MsgType,
	}
	if w.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339Nano, w.Timestamp); err == nil {
			env.Timestamp = ts
		}
	}

	switch env.Type {
	case TypeUnknown:
		return env, nil
	case TypeRunImminent:
		env.RunImminent = &RunImminent{RunConditions: w.RunConditions}
	case TypeStfGen:
		if w.Filename == "" {
			return Envelope{}, malformed(w.MsgType, "missing filename")
		}
		env.StfGen = &StfGen{
			Filename:  w.Filename,
			FileURL:   w.FileURL,
			SizeBytes: w.SizeBytes,
			Checksum:  w.Checksum,
			Start:     w.Start,
			End:       w.End,
			Comment:   w.Comment,
		}
	case TypeEndRun:
		if w.TotalFiles == nil {
			return Envelope{}, malformed(w.MsgType, "missing total_files")
		}
		env.EndRun = &EndRun{TotalFiles: *w.TotalFiles, Reason: w.Reason}
	case TypeDataReady:
		if w.Filename == "" {
			return Envelope{}, malformed(w.MsgType, "missing filename")
		}
		env.DataReady = &DataReady{
			Filename:  w.Filename,
			FileURL:   w.FileURL,
			SizeBytes: w.SizeBytes,
			Checksum:  w.Checksum,
			Start:     w.Start,
			End:       w.End,
		}
	case TypeProcessingComplete:
		if w.Filename == "" {
			return Envelope{}, malformed(w.MsgType, "missing filename")
		}
		pc := &ProcessingComplete{Filename: w.Filename, TaskID: w.TaskID}
		if w.Success != nil {
			pc.Success = *w.Success
		}
		env.ProcessingComplete = pc
	}

	// Every known type requires a run identifier
	if env.RunID == "" {
		return Envelope{}, malformed(w.MsgType, "missing run_id")
	}

	return env, nil
}

func malformed(tag, detail string) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s message %s", errors.ErrMalformedMessage, tag, detail),
		"event", "Decode", "validate body")
}

// Encode serializes the Envelope to its wire form. A zero message ID is
// assigned here so every published message is individually traceable.
func (e Envelope) Encode() ([]byte, error) {
	if e.Type == TypeUnknown {
		return nil, errors.WrapInvalid(errors.ErrUnknownMsgType,
			"event", "Encode", "refuse unknown type")
	}
	if e.RunID == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: missing run_id", errors.ErrMalformedMessage),
			"event", "Encode", "validate envelope")
	}

	w := wire{
		MsgType:        e.Type.String(),
		MsgID:          e.ID,
		RunID:          e.RunID,
		SimulationTick: e.Tick,
		State:          e.State,
		Substate:       e.Substate,
		ProcessedBy:    e.ProcessedBy,
	}
	if w.MsgID == "" {
		w.MsgID = uuid.NewString()
	}
	if !e.Timestamp.IsZero() {
		w.Timestamp = e.Timestamp.Format(time.RFC3339Nano)
	}

	switch e.Type {
	case TypeRunImminent:
		if e.RunImminent != nil {
			w.RunConditions = e.RunImminent.RunConditions
		}
	case TypeStfGen:
		if e.StfGen == nil {
			return nil, malformedEncode(e.Type)
		}
		w.Filename = e.StfGen.Filename
		w.FileURL = e.StfGen.FileURL
		w.SizeBytes = e.StfGen.SizeBytes
		w.Checksum = e.StfGen.Checksum
		w.Start = e.StfGen.Start
		w.End = e.StfGen.End
		w.Comment = e.StfGen.Comment
	case TypeEndRun:
		if e.EndRun == nil {
			return nil, malformedEncode(e.Type)
		}
		w.TotalFiles = &e.EndRun.TotalFiles
		w.Reason = e.EndRun.Reason
	case TypeDataReady:
		if e.DataReady == nil {
			return nil, malformedEncode(e.Type)
		}
		w.Filename = e.DataReady.Filename
		w.FileURL = e.DataReady.FileURL
		w.SizeBytes = e.DataReady.SizeBytes
		w.Checksum = e.DataReady.Checksum
		w.Start = e.DataReady.Start
		w.End = e.DataReady.End
	case TypeProcessingComplete:
		if e.ProcessingComplete == nil {
			return nil, malformedEncode(e.Type)
		}
		w.Filename = e.ProcessingComplete.Filename
		w.TaskID = e.ProcessingComplete.TaskID
		w.Success = &e.ProcessingComplete.Success
	}

	return json.Marshal(w)
}

func malformedEncode(t Type) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s envelope missing payload", errors.ErrMalformedMessage, t),
		"event", "Encode", "validate envelope")
}

// Forwarded returns a copy of the envelope with the forwarding agent appended
// to the processed_by chain and the type replaced by the derived type.
func (e Envelope) Forwarded(derived Type, agentName string) Envelope {
	out := e
	out.Type = derived
	out.ID = "" // new identity on the next hop
	chain := make([]string, 0, len(e.ProcessedBy)+1)
	chain = append(chain, e.ProcessedBy...)
	out.ProcessedBy = append(chain, agentName)
	return out
}
