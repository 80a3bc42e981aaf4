package gridexport

import (
	"time"

	"github.com/nao1215/gridexport/dataset"
)

// Artifact is the outcome of one output file
type Artifact struct {
	// Filename is the file name inside the output directory.
	Filename string
	// Path is the full destination path.
	Path string
	// SourceType and SourceID identify the table or grid the file was
	// written from. Both are empty for the shared workbook.
	SourceType dataset.SourceType
	SourceID   string
	// State is StateGenerated or StateFailed.
	State dataset.State
	// Rows is the number of data rows written.
	Rows int
	// Sheets lists the worksheets written for this artifact.
	Sheets []string
	// Err is set when the artifact failed, or when it was generated while
	// its worksheet failed.
	Err error
}

// Report summarizes an export run
type Report struct {
	// RunID tags every log line of the run.
	RunID    string
	Started  time.Time
	Finished time.Time
	// Artifacts lists the workbook first, then one artifact per source in
	// export order.
	Artifacts []Artifact
}

// Failed returns the artifacts that were not generated
func (r *Report) Failed() []Artifact {
	var failed []Artifact
	for _, a := range r.Artifacts {
		if a.State != dataset.StateGenerated {
			failed = append(failed, a)
		}
	}
	return failed
}

// Generated returns the artifacts that were installed
func (r *Report) Generated() []Artifact {
	var generated []Artifact
	for _, a := range r.Artifacts {
		if a.State == dataset.StateGenerated {
			generated = append(generated, a)
		}
	}
	return generated
}

// Rows returns the number of data rows written over all sources
func (r *Report) Rows() int {
	var n int
	for _, a := range r.Artifacts {
		n += a.Rows
	}
	return n
}
