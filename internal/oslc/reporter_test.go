package oslc

import (
	"regexp"
	"strings"
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func renderSample(t *testing.T, redact *regexp.Regexp, s Snapshot) string {
	t.Helper()
	r := NewReporter("http://example.com/autoplans/demo", "10.0.0.1", redact)
	out, err := r.Render(s)
	require.NoError(t, err)
	return out
}

func TestRenderEnvelope(t *testing.T) {
	out := renderSample(t, nil, Snapshot{
		PID:           4242,
		RunningResult: "Started.",
		CPUUserPct:    12.5,
		CPUSysPct:     1.25,
		VSize:         1024,
		RSS:           512,
		MemFree:       2048,
		MemFreePct:    42,
		StdOut:        "hello out",
		ErrOut:        "hello err",
		PartialResult: "partial",
		RetCode:       0,
		ParsedOutput:  "PASS",
	})

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(out))
	root := doc.Root()
	require.NotNil(t, root)
	assert.Equal(t, "RDF", root.Tag)
	assert.Equal(t, "rdf", root.Space)

	// Namespace bindings must be bit-compatible with the legacy service.
	for attr, want := range map[string]string{
		"xmlns:rdf":       "http://www.w3.org/1999/02/22-rdf-syntax-ns#",
		"xmlns:rdfs":      "http://www.w3.org/2000/01/rdf-schema#",
		"xmlns:owl":       "http://www.w3.org/2002/07/owl",
		"xmlns:dcterms":   "http://purl.org/dc/terms/",
		"xmlns:pm":        "http://open-services.net/ns/perfmon#",
		"xmlns:ems":       "http://open-services.net/ns/ems#",
		"xmlns:oslc_auto": "http://open-services.net/ns/auto#",
	} {
		assert.Contains(t, out, attr+`="`+want+`"`, "missing namespace binding %s", attr)
	}

	titles := map[string]string{}
	walk(root, func(el *etree.Element) {
		if el.Tag != "description" {
			return
		}
		var title, value string
		for _, c := range el.ChildElements() {
			switch c.Tag {
			case "title":
				title = strings.TrimSpace(c.Text())
			case "numericValue":
				value = strings.TrimSpace(c.Text())
			}
		}
		titles[title] = value
	})

	assert.Equal(t, "4242", titles["Process ID"])
	assert.Equal(t, "Started.", titles["http://example.com/autoplans/demo"])
	assert.Equal(t, "2048", titles["Free Memory in Absolute Value"])
	assert.Equal(t, "42", titles["Free Memory in Percentage"])
	assert.Equal(t, "12.500000", titles["CPU Usage (user)"])
	assert.Equal(t, "1.250000", titles["CPU Usage (system)"])
	assert.Equal(t, "1024", titles["Consumed Memory Usage (vsize)"])
	assert.Equal(t, "512", titles["Memory Usage (rss)"])
	assert.Equal(t, "hello out", titles["Standard Output"])
	assert.Equal(t, "hello err", titles["Error Output"])
	assert.Equal(t, "partial", titles["partVerResult"])
	assert.Equal(t, "0", titles["retCode"])
	assert.Equal(t, "PASS", titles["parsedOutput"])

	// Output measures live inside the automation result block.
	autoResult := root.FindElement("oslc_auto:AutomationResult")
	require.NotNil(t, autoResult)
	assert.Len(t, autoResult.SelectElements("rdf:description"), 5)
}

func TestRenderIsRepeatable(t *testing.T) {
	r := NewReporter("plan", "addr", nil)
	first, err := r.Render(Snapshot{PID: 1, RunningResult: "Started."})
	require.NoError(t, err)
	second, err := r.Render(Snapshot{PID: 2, RunningResult: "Verification finished."})
	require.NoError(t, err)

	assert.Contains(t, first, ">1</ems:numericValue>")
	assert.Contains(t, second, ">2</ems:numericValue>")
	assert.NotContains(t, second, "Started.")
}

func TestRedaction(t *testing.T) {
	pattern := regexp.MustCompile(`(?s)(<dcterms:title>\s*Error\s+Output\s*</dcterms:title>\s*<ems:metric rdf:resource="foo"/>\s*<ems:unitOfMeasure rdf:resource="string"/>\s*<ems:numericValue\s+rdf:datatype="characters">)\s*compiling\s+[/\w\.]+\s+a report was written to [\w\.]+\s*`)

	out := renderSample(t, pattern, Snapshot{
		ErrOut: "compiling /tmp/in.c a report was written to report.txt",
	})
	assert.NotContains(t, out, "a report was written to")
	assert.Contains(t, out, `rdf:datatype="characters"`)

	// Unrelated error output is left alone.
	out = renderSample(t, pattern, Snapshot{ErrOut: "segfault near line 3"})
	assert.Contains(t, out, "segfault near line 3")
}
