package oslc

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// VerifyFields are the documented fields of a verification request payload.
type VerifyFields struct {
	ToolName       string
	Parameters     []string
	InputIDs       []string
	CallSchema     string
	AutomationPlan string
}

// ParseVerifyRequest extracts the verification fields from an OSLC RDF/XML
// payload. Only the documented fields are read; the payload is otherwise
// not validated.
func ParseVerifyRequest(data []byte) (VerifyFields, error) {
	var f VerifyFields

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return f, fmt.Errorf("parse verification payload: %w", err)
	}

	env := attrValues(doc.Root(), "usesExecutionEnvironment", "resource")
	if len(env) != 1 {
		return f, fmt.Errorf("payload must contain exactly one usesExecutionEnvironment element, found %d", len(env))
	}
	f.ToolName = toolNameFromResource(env[0])

	plans := attrValues(doc.Root(), "AutomationPlan", "about")
	if len(plans) != 1 {
		return f, fmt.Errorf("payload must contain exactly one AutomationPlan element, found %d", len(plans))
	}
	f.AutomationPlan = plans[0]

	schemas := valuesAfter(doc.Root(), "CallSchemaSignature")
	if len(schemas) != 1 {
		return f, fmt.Errorf("payload must contain exactly one call schema, found %d", len(schemas))
	}
	f.CallSchema = schemas[0]

	f.Parameters = valuesAfter(doc.Root(), "CallParameters")
	f.InputIDs = valuesAfter(doc.Root(), "InputFiles")
	return f, nil
}

// toolNameFromResource maps the execution-environment resource to a tool
// name: for URLs the segment after the last slash, otherwise the value
// itself.
func toolNameFromResource(resource string) string {
	if !strings.Contains(resource, "://") {
		return resource
	}
	idx := strings.LastIndexByte(resource, '/')
	if idx < 0 || idx+1 >= len(resource) {
		return ""
	}
	return resource[idx+1:]
}

// attrValues collects, for every element whose local tag matches name, the
// value of the attribute with the given local key.
func attrValues(root *etree.Element, name, key string) []string {
	if root == nil {
		return nil
	}
	var values []string
	walk(root, func(el *etree.Element) {
		if el.Tag != name {
			return
		}
		for _, a := range el.Attr {
			if a.Key == key {
				values = append(values, strings.Trim(a.Value, `"`))
				return
			}
		}
	})
	return values
}

// valuesAfter finds each element whose text equals marker and collects the
// leaf text values of the element's next sibling, in document order.
func valuesAfter(root *etree.Element, marker string) []string {
	if root == nil {
		return nil
	}
	var values []string
	walk(root, func(el *etree.Element) {
		if strings.TrimSpace(el.Text()) != marker {
			return
		}
		next := nextSibling(el)
		if next == nil {
			return
		}
		values = append(values, leafValues(next)...)
	})
	return values
}

func walk(el *etree.Element, visit func(*etree.Element)) {
	visit(el)
	for _, child := range el.ChildElements() {
		walk(child, visit)
	}
}

func nextSibling(el *etree.Element) *etree.Element {
	parent := el.Parent()
	if parent == nil {
		return nil
	}
	siblings := parent.ChildElements()
	for i, s := range siblings {
		if s == el && i+1 < len(siblings) {
			return siblings[i+1]
		}
	}
	return nil
}

// leafValues returns the trimmed text of every childless descendant.
func leafValues(el *etree.Element) []string {
	children := el.ChildElements()
	if len(children) == 0 {
		if text := strings.TrimSpace(el.Text()); text != "" {
			return []string{text}
		}
		return nil
	}
	var values []string
	for _, c := range children {
		values = append(values, leafValues(c)...)
	}
	return values
}
