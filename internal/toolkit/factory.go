package toolkit

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"
	"github.com/rs/zerolog/log"
)

// toolSpec is one <tool> entry of the registry file, before the executable
// has been probed.
type toolSpec struct {
	name       string
	path       string
	parser     string
	single     bool
	categories []string
}

// LoadFile reads a tool-registry XML file and builds a ToolKit from it.
// Every entry is version-probed during construction.
func LoadFile(path string) (*ToolKit, error) {
	specs, err := readSpecs(path)
	if err != nil {
		return nil, err
	}
	k := NewToolKit()
	for _, s := range specs {
		k.Insert(s.build())
	}
	return k, nil
}

func readSpecs(path string) ([]toolSpec, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromFile(path); err != nil {
		return nil, fmt.Errorf("read toolkit file %s: %w", path, err)
	}
	return parseSpecs(doc), nil
}

// parseSpecs extracts every <tool> element of the document. Elements with a
// missing name or path are skipped with a warning.
func parseSpecs(doc *etree.Document) []toolSpec {
	var specs []toolSpec
	for _, el := range doc.FindElements("//tool") {
		s := toolSpec{
			name:   el.SelectAttrValue("name", ""),
			path:   el.SelectAttrValue("path", ""),
			parser: el.SelectAttrValue("output_parser", ""),
			single: parseBool(el.SelectAttrValue("single_instance", "false")),
		}
		if s.name == "" || s.path == "" {
			log.Warn().Msg("Skipping tool entry without name or path")
			continue
		}
		for _, cat := range el.SelectElements("category") {
			if c := cat.SelectAttrValue("name", ""); c != "" {
				s.categories = append(s.categories, c)
			}
		}
		specs = append(specs, s)
	}
	return specs
}

func (s toolSpec) build() *Tool {
	t := NewTool(s.name, s.path, s.parser, s.single)
	for _, c := range s.categories {
		t.AddCategory(c)
	}
	return t
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}
