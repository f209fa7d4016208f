package model

import (
	"fmt"
	"sync/atomic"
)

// StatusCode is the lifecycle status of a submission as tracked by the coordinator.
type StatusCode int

const (
	StatusCreated   StatusCode = 10
	StatusUploaded  StatusCode = 20
	StatusCompiling StatusCode = 30
	// The worker only ever reports the codes below.
	StatusRunable       StatusCode = 40
	StatusDownloadError StatusCode = 50
	StatusUnpackError   StatusCode = 60
	StatusCompileError  StatusCode = 70
	StatusTestError     StatusCode = 80
)

func (s StatusCode) String() string {
	switch s {
	case StatusCreated:
		return "CREATED"
	case StatusUploaded:
		return "UPLOADED"
	case StatusCompiling:
		return "COMPILING"
	case StatusRunable:
		return "RUNABLE"
	case StatusDownloadError:
		return "DOWNLOAD_ERROR"
	case StatusUnpackError:
		return "UNPACK_ERROR"
	case StatusCompileError:
		return "COMPILE_ERROR"
	case StatusTestError:
		return "TEST_ERROR"
	default:
		return fmt.Sprintf("STATUS(%d)", int(s))
	}
}

// Coordinator post methods.
const (
	MethodPostCompileResult = "post_compile_result"
	MethodPostGameResult    = "post_game_result"
)

// CompileResult is posted once per compile task.
type CompileResult struct {
	PostID       int64      `json:"post_id"`
	SubmissionID int64      `json:"submission_id"`
	StatusID     StatusCode `json:"status_id"`
}

// MatchErrorResult replaces the engine result when a match could not be played.
type MatchErrorResult struct {
	PostID    int64  `json:"post_id"`
	MatchupID int64  `json:"matchup_id"`
	Error     string `json:"error"`
}

// PostSequence hands out local post ids. They only let the coordinator drop duplicates.
type PostSequence struct {
	last atomic.Int64
}

// Next returns the next post id, starting at 1.
func (p *PostSequence) Next() int64 {
	return p.last.Add(1)
}
