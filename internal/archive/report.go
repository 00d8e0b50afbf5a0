package archive

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/oklog/ulid/v2"

	"github.com/tkratochvila/verify-go-rewrite/internal/oslc"
	"github.com/tkratochvila/verify-go-rewrite/internal/toolkit"
)

// FileID is the content fingerprint of an archived file blob.
type FileID = uint64

// ReportID is the identity fingerprint of a verification report.
type ReportID = uint64

// ResourceSample is one observation of a running verification process.
type ResourceSample struct {
	CPUUserPct float64
	CPUSysPct  float64
	VSize      uint64
	RSS        uint64
	MemFree    uint64
	MemFreePct float64
}

// Sample pairs a ResourceSample with its capture time.
type Sample struct {
	At       time.Time
	Resource ResourceSample
}

// Report describes one verification task: its immutable identity, the state
// mutated while its process runs, and the post-run summary. All fields
// except the identity group may only be touched through a BorrowedReport.
type Report struct {
	mu sync.Mutex

	// Identity, set exactly once at construction.
	Tool        *toolkit.Tool
	Parameters  []string
	InputFiles  []FileID
	OutputNames []string
	PlanName    string
	ID          ReportID
	Reporter    *oslc.Reporter

	// Runtime state.
	CallCommand   string
	StdOutput     string
	ErrOutput     string
	PartVerResult string
	ParsedOutput  string
	ReturnCode    int
	PID           int
	LastMonitored time.Time
	RunningResult string
	Running       bool
	Valid         bool
	Resources     []Sample

	// Post-run summary.
	RunTime    time.Duration
	PeakMemory uint64
	Date       time.Time
}

// newReport builds a report and its monitoring document. Output names are
// fresh random tokens, one per advertised output.
func newReport(tool *toolkit.Tool, params []string, inputs []FileID, planName string, outputCount int, reporter *oslc.Reporter) *Report {
	r := &Report{
		Tool:          tool,
		Parameters:    append([]string(nil), params...),
		InputFiles:    append([]FileID(nil), inputs...),
		PlanName:      planName,
		Reporter:      reporter,
		ReturnCode:    -9999,
		PID:           -9999,
		RunningResult: "Not started.",
		LastMonitored: time.Now(),
	}
	for i := 0; i < outputCount; i++ {
		r.OutputNames = append(r.OutputNames, ulid.Make().String())
	}
	// Seed one zeroed sample so monitoring before the first tick reads a
	// coherent document.
	r.Resources = append(r.Resources, Sample{At: time.Now()})
	r.ID = fingerprint(tool.Hash(), inputs, params, planName)
	return r
}

// fingerprint mixes the identity fields into the report's ID: the tool hash,
// each input combined with its index, each parameter combined with its
// index, and the plan name.
func fingerprint(toolHash uint64, inputs []FileID, params []string, planName string) ReportID {
	id := toolHash
	for i, f := range inputs {
		id ^= withIndex(hashUint64(f), i)
	}
	for i, p := range params {
		id ^= withIndex(xxhash.Sum64String(p), i)
	}
	id ^= xxhash.Sum64String(planName)
	return id
}

// withIndex binds a value hash to its position, so that swapping two
// elements changes the fingerprint.
func withIndex(h uint64, index int) uint64 {
	return hashUint64(h ^ hashUint64(uint64(index)))
}

func hashUint64(v uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return xxhash.Sum64(buf[:])
}

// Snapshot captures a coherent monitoring view. Callers must hold the
// report's lock (via BorrowedReport).
func (r *Report) Snapshot() oslc.Snapshot {
	r.LastMonitored = time.Now()
	last := r.Resources[len(r.Resources)-1].Resource
	return oslc.Snapshot{
		PID:           r.PID,
		RunningResult: r.RunningResult,
		CPUUserPct:    last.CPUUserPct,
		CPUSysPct:     last.CPUSysPct,
		VSize:         last.VSize,
		RSS:           last.RSS,
		MemFree:       last.MemFree,
		MemFreePct:    last.MemFreePct,
		StdOut:        r.StdOutput,
		ErrOut:        r.ErrOutput,
		PartialResult: r.PartVerResult,
		RetCode:       r.ReturnCode,
		ParsedOutput:  r.ParsedOutput,
	}
}
