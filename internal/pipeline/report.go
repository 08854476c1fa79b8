package pipeline

import (
	"github.com/schaermu/boardpack/internal/fingerprint"
	"github.com/schaermu/boardpack/internal/publish"
)

// Stage names in execution order
const (
	StageSync        = "sync"
	StageFingerprint = "fingerprint"
	StageCleanup     = "cleanup"
	StagePrepare     = "prepare"
	StageArchive     = "archive"
	StageDescriptor  = "descriptor"
	StagePublish     = "publish"
)

// Stages lists every stage in execution order
var Stages = []string{
	StageSync,
	StageFingerprint,
	StageCleanup,
	StagePrepare,
	StageArchive,
	StageDescriptor,
	StagePublish,
}

// Status is the result of a single stage
type Status string

const (
	StatusSuccess Status = "success"
	StatusNoOp    Status = "noop"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// StageResult records what one stage did
type StageResult struct {
	Name   string
	Status Status
	Detail string
	Err    error
}

// Report summarizes a pipeline run
type Report struct {
	Stages      []StageResult
	Fingerprint fingerprint.Fingerprint
	Rebuilt     bool
	ArchivePath string
	Checksum    string
	Outcome     publish.Outcome
	Commit      string
}

// Failed reports whether any stage failed
func (r *Report) Failed() bool {
	for _, s := range r.Stages {
		if s.Status == StatusFailed {
			return true
		}
	}
	return false
}

// Stage returns the result of the named stage
func (r *Report) Stage(name string) (StageResult, bool) {
	for _, s := range r.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageResult{}, false
}

func (r *Report) record(name string, status Status, detail string) {
	r.Stages = append(r.Stages, StageResult{Name: name, Status: status, Detail: detail})
}

func (r *Report) fail(name string, err error) error {
	r.Stages = append(r.Stages, StageResult{Name: name, Status: StatusFailed, Detail: err.Error(), Err: err})
	return err
}

// skipRest marks every stage not yet recorded as skipped
func (r *Report) skipRest(detail string) {
	for _, name := range Stages {
		if _, ok := r.Stage(name); !ok {
			r.record(name, StatusSkipped, detail)
		}
	}
}
