// Package oslc renders the monitoring wire document and extracts the fields
// of incoming OSLC verification requests. The document envelope is kept
// bit-compatible with the legacy service for the titles, metrics, units,
// datatypes and namespace bindings clients depend on.
package oslc

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/beevik/etree"
)

const (
	nsRDF      = "http://www.w3.org/1999/02/22-rdf-syntax-ns#"
	nsRDFS     = "http://www.w3.org/2000/01/rdf-schema#"
	nsOWL      = "http://www.w3.org/2002/07/owl"
	nsDCTerms  = "http://purl.org/dc/terms/"
	nsPerfMon  = "http://open-services.net/ns/perfmon#"
	nsEMS      = "http://open-services.net/ns/ems#"
	nsOSLCAuto = "http://open-services.net/ns/auto#"

	emsMeasure    = "http://open-services.net/ns/ems#Measure"
	unitBytes     = "http://open-services.net/ns/ems/unit#Bytes"
	unitChar      = "http://open-services.net/ns/ems/unit#Char"
	dtInteger     = "http://www.w3.org/2001/XMLSchema#integer"
	dtFloat       = "http://www.w3.org/2001/XMLSchema#float"
	dtString      = "http://www.w3.org/2001/XMLSchema#string"
	dtStringUpper = "http://www.w3.org/2001/XMLSchema#String"

	metricMemory     = "pm:MemoryMetrics"
	metricCPU        = "pm:CPUMetrics"
	metricAutoResult = "http://open-services.net/ns/auto#AutomationResult"
	unitPercentage   = "dbp:Percentage"

	autoResultAbout = "http://example.org/autoresults/3456"
	creatorResource = "VerifyServer"
)

// Snapshot is a coherent view of a report's mutable state, captured under
// the report's lock.
type Snapshot struct {
	PID           int
	RunningResult string
	CPUUserPct    float64
	CPUSysPct     float64
	VSize         uint64
	RSS           uint64
	MemFree       uint64
	MemFreePct    float64
	StdOut        string
	ErrOut        string
	PartialResult string
	RetCode       int
	ParsedOutput  string
}

// slot identifies one mutable leaf of the monitoring document.
type slot int

const (
	slotPID slot = iota
	slotPlanResult
	slotMemFree
	slotMemFreePct
	slotCPUUser
	slotCPUSys
	slotVSize
	slotRSS
	slotStdOut
	slotErrOut
	slotPartial
	slotRetCode
	slotParsed
	slotCount
)

// measure describes one performance item of the document.
type measure struct {
	title    string
	metric   string
	unit     string
	datatype string
	slot     slot
}

// The automation-result slot's title is the plan name; it is substituted at
// construction time.
const planTitle = ""

var topMeasures = []measure{
	{"Process ID", metricMemory, unitBytes, dtInteger, slotPID},
	{planTitle, metricAutoResult, unitChar, dtStringUpper, slotPlanResult},
	{"Free Memory in Absolute Value", metricMemory, unitBytes, dtInteger, slotMemFree},
	{"Free Memory in Percentage", metricMemory, unitBytes, dtInteger, slotMemFreePct},
	{"CPU Usage (user)", metricCPU, unitPercentage, dtFloat, slotCPUUser},
	{"CPU Usage (system)", metricCPU, unitPercentage, dtFloat, slotCPUSys},
	{"Consumed Memory Usage (vsize)", metricMemory, unitBytes, dtInteger, slotVSize},
	{"Memory Usage (rss)", metricMemory, unitBytes, dtInteger, slotRSS},
}

var resultMeasures = []measure{
	{"Standard Output", "foo", "string", dtString, slotStdOut},
	{"Error Output", "foo", "string", "characters", slotErrOut},
	{"partVerResult", "foo", "string", dtString, slotPartial},
	{"retCode", "foo", "string", dtString, slotRetCode},
	{"parsedOutput", "foo", "string", dtString, slotParsed},
}

// Reporter holds one report's pre-built monitoring document with named
// slots for the mutable values. Render must be called under the owning
// report's lock: the slots are mutated in place.
type Reporter struct {
	mu     sync.Mutex
	doc    *etree.Document
	slots  [slotCount]*etree.Element
	redact *regexp.Regexp
}

// NewReporter builds the document skeleton for the given automation plan.
// localAddress is the server's public address, used in the measure URIs.
// redact may be nil to disable error-output redaction.
func NewReporter(planName, localAddress string, redact *regexp.Regexp) *Reporter {
	r := &Reporter{redact: redact}
	r.doc = etree.NewDocument()

	root := r.doc.CreateElement("rdf:RDF")
	root.CreateAttr("xmlns:rdf", nsRDF)
	root.CreateAttr("xmlns:rdfs", nsRDFS)
	root.CreateAttr("xmlns:owl", nsOWL)
	root.CreateAttr("xmlns:dcterms", nsDCTerms)
	root.CreateAttr("xmlns:pm", nsPerfMon)
	root.CreateAttr("xmlns:ems", nsEMS)
	root.CreateAttr("xmlns:oslc_auto", nsOSLCAuto)

	for _, m := range topMeasures {
		title := m.title
		if m.slot == slotPlanResult {
			title = planName
		}
		r.slots[m.slot] = addMeasure(root, localAddress, title, m)
	}

	autoResult := root.CreateElement("oslc_auto:AutomationResult")
	autoResult.CreateAttr("rdf:about", autoResultAbout)
	for _, m := range resultMeasures {
		r.slots[m.slot] = addMeasure(autoResult, localAddress, m.title, m)
	}

	creator := root.CreateElement("dcterms:creator")
	creator.CreateAttr("rdf:resource", creatorResource)

	return r
}

// addMeasure appends one performance item and returns its value slot.
func addMeasure(parent *etree.Element, localAddress, title string, m measure) *etree.Element {
	d := parent.CreateElement("rdf:description")
	d.CreateAttr("rdf:about", localAddress+" "+title)

	typ := d.CreateElement("rdf:type")
	typ.CreateAttr("rdf:resource", emsMeasure)

	d.CreateElement("dcterms:title").SetText(title)

	metric := d.CreateElement("ems:metric")
	metric.CreateAttr("rdf:resource", m.metric)

	unit := d.CreateElement("ems:unitOfMeasure")
	unit.CreateAttr("rdf:resource", m.unit)

	value := d.CreateElement("ems:numericValue")
	value.CreateAttr("rdf:datatype", m.datatype)
	value.SetText("")
	return value
}

// Render writes the snapshot into the slots and serialises the document,
// applying the error-output redaction to the result.
func (r *Reporter) Render(s Snapshot) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.slots[slotPID].SetText(fmt.Sprintf("%d", s.PID))
	r.slots[slotPlanResult].SetText(s.RunningResult)
	r.slots[slotMemFree].SetText(fmt.Sprintf("%d", s.MemFree))
	r.slots[slotMemFreePct].SetText(fmt.Sprintf("%.0f", s.MemFreePct))
	r.slots[slotCPUUser].SetText(fmt.Sprintf("%f", s.CPUUserPct))
	r.slots[slotCPUSys].SetText(fmt.Sprintf("%f", s.CPUSysPct))
	r.slots[slotVSize].SetText(fmt.Sprintf("%d", s.VSize))
	r.slots[slotRSS].SetText(fmt.Sprintf("%d", s.RSS))
	r.slots[slotStdOut].SetText(s.StdOut)
	r.slots[slotErrOut].SetText(s.ErrOut)
	r.slots[slotPartial].SetText(s.PartialResult)
	r.slots[slotRetCode].SetText(fmt.Sprintf("%d", s.RetCode))
	r.slots[slotParsed].SetText(s.ParsedOutput)

	r.doc.Indent(2)
	out, err := r.doc.WriteToString()
	if err != nil {
		return "", fmt.Errorf("serialise monitoring document: %w", err)
	}
	if r.redact != nil {
		out = r.redact.ReplaceAllString(out, "${1}")
	}
	return out, nil
}
