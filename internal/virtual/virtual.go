// Package virtual synthesizes the reserved entries every project
// directory carries: the attributes document and link redirects.
package virtual

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"

	"github.com/rdmount/rdmount/internal/protocol"
)

// renderOptions pins the attribute render to sorted keys and two-space
// indentation, so equal node states produce byte-identical documents.
var renderOptions = &pretty.Options{Indent: "  ", SortKeys: true}

// RenderAttributes renders a node's attribute object as the contents of
// its attributes document.
func RenderAttributes(n protocol.Node) []byte {
	raw := []byte(n.RawAttributes)
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		raw = []byte("{}")
	}
	return pretty.PrettyOptions(raw, renderOptions)
}

// LinkTarget returns the relative redirect for a linked project in
// all-projects mode. From <project>/linked/<id>, two levels up is the
// mount root, where the canonical project directory lives.
func LinkTarget(targetID string) string {
	return "../../" + targetID
}
