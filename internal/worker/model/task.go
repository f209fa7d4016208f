// Package model defines the tasks, results and status codes exchanged with the coordinator.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// TaskKind classifies a unit of work fetched from the coordinator.
type TaskKind string

const (
	TaskNone    TaskKind = "none"
	TaskCompile TaskKind = "compile"
	TaskMatch   TaskKind = "match"
)

// Task is one unit of work. Only the fields of its kind are set.
type Task struct {
	Kind          TaskKind
	SubmissionID  int64
	MatchID       int64
	SubmissionIDs []int64
	MapFilename   string
	// Options is nil when the coordinator did not send any; defaults apply then.
	Options map[string]any
}

// NoTask is returned when the coordinator has nothing to do or could not be reached.
var NoTask = Task{Kind: TaskNone}

type rawTask struct {
	Task         string          `json:"task"`
	SubmissionID json.RawMessage `json:"submission_id"`
	MatchupID    json.RawMessage `json:"matchup_id"`
	Submissions  []FlexID        `json:"submissions"`
	MapFilename  string          `json:"map_filename"`
	Options      map[string]any  `json:"options"`
}

// ParseTask decodes a get_task response body.
// Unknown task kinds decode to NoTask; malformed bodies return an error.
func ParseTask(data []byte) (Task, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return NoTask, nil
	}
	var raw rawTask
	if err := json.Unmarshal(data, &raw); err != nil {
		return NoTask, fmt.Errorf("decode task failed: %w", err)
	}
	switch raw.Task {
	case "compile":
		id, err := parseID(raw.SubmissionID)
		if err != nil {
			return NoTask, fmt.Errorf("compile task submission_id: %w", err)
		}
		return Task{Kind: TaskCompile, SubmissionID: id}, nil
	case "game", "match":
		id, err := parseID(raw.MatchupID)
		if err != nil {
			return NoTask, fmt.Errorf("match task matchup_id: %w", err)
		}
		ids := make([]int64, 0, len(raw.Submissions))
		for _, s := range raw.Submissions {
			ids = append(ids, int64(s))
		}
		return Task{
			Kind:          TaskMatch,
			MatchID:       id,
			SubmissionIDs: ids,
			MapFilename:   raw.MapFilename,
			Options:       raw.Options,
		}, nil
	default:
		return NoTask, nil
	}
}

// FlexID is an integer id that may be encoded as a JSON number or a numeric string.
type FlexID int64

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexID) UnmarshalJSON(data []byte) error {
	id, err := parseID(data)
	if err != nil {
		return err
	}
	*f = FlexID(id)
	return nil
}

func parseID(data json.RawMessage) (int64, error) {
	if len(data) == 0 || string(data) == "null" {
		return 0, fmt.Errorf("missing id")
	}
	var n json.Number
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return 0, err
		}
		n = json.Number(s)
	} else if err := json.Unmarshal(data, &n); err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", n.String())
	}
	if id <= 0 {
		return 0, fmt.Errorf("id must be positive, got %d", id)
	}
	return id, nil
}
