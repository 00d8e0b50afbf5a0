package execution

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseSchema(t *testing.T) {
	s := parseSchema("i1,p22,o333")
	assert.Equal(t, []schemaEntry{
		{kindInput, 1},
		{kindParam, 22},
		{kindOutput, 333},
	}, s.entries)
}

func TestParseSchemaSkipsMalformedTokens(t *testing.T) {
	s := parseSchema("i0,,x1,i,o-1,pq,o0")
	assert.Equal(t, []schemaEntry{
		{kindInput, 0},
		{kindOutput, 0},
	}, s.entries)
}

func TestExpandInterleaving(t *testing.T) {
	// inputs=[in.c], outputs=[o1,o2], params=[--fast]; schema=i0,o1,p0
	// expands to: in.c o2 --fast
	s := parseSchema("i0,o1,p0")
	args := s.expand([]string{"in.c"}, []string{"o1", "o2"}, []string{"--fast"})
	assert.Equal(t, []string{"in.c", "o2", "--fast"}, args)
}

func TestExpandSkipsOutOfRange(t *testing.T) {
	s := parseSchema("i0,i5,p0,o9")
	args := s.expand([]string{"a"}, nil, []string{"-x"})
	assert.Equal(t, []string{"a", "-x"}, args)
}

func TestExpandDropsBlankValues(t *testing.T) {
	s := parseSchema("p0,p1,p2")
	args := s.expand(nil, nil, []string{"-a", "  ", "-b"})
	assert.Equal(t, []string{"-a", "-b"}, args)
}

func TestCPUUsagePct(t *testing.T) {
	assert.InDelta(t, 50.0, cpuUsagePct(0, 1, 0, 2), 1e-9)
	assert.InDelta(t, 25.0, cpuUsagePct(1, 2, 0, 4), 1e-9)
	// Degenerate host delta must not divide by zero.
	assert.Equal(t, 0.0, cpuUsagePct(0, 1, 5, 5))
	assert.Equal(t, 0.0, cpuUsagePct(0, 1, 5, 4))
}
