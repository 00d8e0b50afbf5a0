package execution

import (
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// argKind selects which vector a schema token draws from.
type argKind int

const (
	kindInput argKind = iota
	kindOutput
	kindParam
)

type schemaEntry struct {
	kind  argKind
	index int
}

// callSchema is the parsed ordering template of a tool command line:
// comma-separated iN/oN/pN tokens. Malformed tokens are dropped silently at
// parse time.
type callSchema struct {
	entries []schemaEntry
}

func parseSchema(in string) callSchema {
	var s callSchema
	for _, token := range strings.Split(in, ",") {
		token = strings.TrimSpace(token)
		if len(token) <= 1 {
			continue
		}
		index, err := strconv.Atoi(token[1:])
		if err != nil || index < 0 {
			continue
		}
		switch token[0] {
		case 'i':
			s.entries = append(s.entries, schemaEntry{kindInput, index})
		case 'o':
			s.entries = append(s.entries, schemaEntry{kindOutput, index})
		case 'p':
			s.entries = append(s.entries, schemaEntry{kindParam, index})
		}
	}
	log.Debug().Str("schema", in).Int("entries", len(s.entries)).Msg("Parsed call schema")
	return s
}

// expand interleaves the three vectors per the template. Out-of-range
// indices are skipped.
func (s callSchema) expand(inputs, outputs, params []string) []string {
	vectors := [3][]string{inputs, outputs, params}
	var args []string
	for _, e := range s.entries {
		vec := vectors[e.kind]
		if e.index >= len(vec) {
			continue
		}
		if v := strings.TrimSpace(vec[e.index]); v != "" {
			args = append(args, v)
		}
	}
	return args
}
