package config

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"

	"github.com/udohsolomon/converge/pkg/engine"
)

// Document parsing for declared topologies. A topology file is HCL made of
// resource blocks:
//
//	resource "vpc" "main" {
//	    cidr = "10.0.0.0/16"
//	}
//
//	resource "subnet" "a" {
//	    vpc_id     = vpc.main.id
//	    depends_on = [vpc.main]
//	}
//
// Attribute values are either literals or bare references to another
// resource's output attribute. References double as dependency edges, so
// most topologies never need depends_on.

// ParseFile reads and parses one topology file.
func ParseFile(path string) ([]*engine.ResourceNode, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, engine.NewConfigurationError(diags.Error(), diags).WithCode(engine.ErrCodeValidation)
	}
	return decodeDocument(file.Body)
}

// Parse parses topology source from memory. The filename is used in
// diagnostics only.
func Parse(filename string, src []byte) ([]*engine.ResourceNode, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, engine.NewConfigurationError(diags.Error(), diags).WithCode(engine.ErrCodeValidation)
	}
	return decodeDocument(file.Body)
}

func decodeDocument(body hcl.Body) ([]*engine.ResourceNode, error) {
	content, diags := body.Content(&hcl.BodySchema{
		Blocks: []hcl.BlockHeaderSchema{
			{Type: "resource", LabelNames: []string{"kind", "name"}},
		},
	})
	if diags.HasErrors() {
		return nil, engine.NewConfigurationError(diags.Error(), diags).WithCode(engine.ErrCodeValidation)
	}

	nodes := make([]*engine.ResourceNode, 0, len(content.Blocks))
	for _, block := range content.Blocks {
		node, err := decodeResource(block)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func decodeResource(block *hcl.Block) (*engine.ResourceNode, error) {
	kind, name := block.Labels[0], block.Labels[1]
	node := &engine.ResourceNode{
		ID:    fmt.Sprintf("%s.%s", kind, name),
		Kind:  kind,
		Name:  name,
		Attrs: map[string]engine.AttrValue{},
	}

	syntaxBody, ok := block.Body.(*hclsyntax.Body)
	if !ok {
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("resource %s: unsupported body syntax", node.ID), nil,
		).WithCode(engine.ErrCodeValidation)
	}
	if len(syntaxBody.Blocks) > 0 {
		nested := syntaxBody.Blocks[0]
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("resource %s: nested %q blocks are not supported at %s",
				node.ID, nested.Type, nested.DefRange().String()), nil,
		).WithCode(engine.ErrCodeValidation)
	}

	for attrName, attr := range syntaxBody.Attributes {
		if attrName == "depends_on" {
			deps, err := decodeDependsOn(node.ID, attr.Expr)
			if err != nil {
				return nil, err
			}
			node.ExplicitDeps = deps
			continue
		}
		val, err := decodeAttrValue(node.ID, attrName, attr.Expr)
		if err != nil {
			return nil, err
		}
		node.Attrs[attrName] = val
	}
	return node, nil
}

// decodeDependsOn decodes a depends_on list of kind.name traversals.
func decodeDependsOn(nodeID string, expr hcl.Expression) ([]string, error) {
	items, diags := hcl.ExprList(expr)
	if diags.HasErrors() {
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("resource %s: depends_on must be a list of references", nodeID), diags,
		).WithCode(engine.ErrCodeValidation).WithNode(nodeID)
	}

	deps := make([]string, 0, len(items))
	for _, item := range items {
		traversal, diags := hcl.AbsTraversalForExpr(item)
		if diags.HasErrors() || len(traversal) != 2 {
			return nil, engine.NewConfigurationError(
				fmt.Sprintf("resource %s: depends_on entries must be kind.name references", nodeID), nil,
			).WithCode(engine.ErrCodeValidation).WithNode(nodeID)
		}
		root := traversal.RootName()
		attr, ok := traversal[1].(hcl.TraverseAttr)
		if !ok {
			return nil, engine.NewConfigurationError(
				fmt.Sprintf("resource %s: depends_on entries must be kind.name references", nodeID), nil,
			).WithCode(engine.ErrCodeValidation).WithNode(nodeID)
		}
		deps = append(deps, fmt.Sprintf("%s.%s", root, attr.Name))
	}
	return deps, nil
}

// decodeAttrValue decodes one attribute expression: either a bare
// kind.name.attr traversal or a constant literal. Expressions mixing the
// two (interpolation, arithmetic on references) are rejected.
func decodeAttrValue(nodeID, attrName string, expr hcl.Expression) (engine.AttrValue, error) {
	if traversal, diags := hcl.AbsTraversalForExpr(expr); !diags.HasErrors() && !keywordTraversal(traversal) {
		if len(traversal) != 3 {
			return engine.AttrValue{}, engine.NewConfigurationError(
				fmt.Sprintf("resource %s: attribute %s must reference kind.name.attr", nodeID, attrName), nil,
			).WithCode(engine.ErrCodeValidation).WithNode(nodeID)
		}
		nameStep, okName := traversal[1].(hcl.TraverseAttr)
		attrStep, okAttr := traversal[2].(hcl.TraverseAttr)
		if !okName || !okAttr {
			return engine.AttrValue{}, engine.NewConfigurationError(
				fmt.Sprintf("resource %s: attribute %s must reference kind.name.attr", nodeID, attrName), nil,
			).WithCode(engine.ErrCodeValidation).WithNode(nodeID)
		}
		target := fmt.Sprintf("%s.%s", traversal.RootName(), nameStep.Name)
		return engine.RefTo(target, attrStep.Name), nil
	}

	if len(expr.Variables()) > 0 {
		return engine.AttrValue{}, engine.NewConfigurationError(
			fmt.Sprintf("resource %s: attribute %s mixes references with other expressions", nodeID, attrName), nil,
		).WithCode(engine.ErrCodeValidation).WithNode(nodeID)
	}

	val, diags := expr.Value(nil)
	if diags.HasErrors() {
		return engine.AttrValue{}, engine.NewConfigurationError(
			fmt.Sprintf("resource %s: attribute %s: %s", nodeID, attrName, diags.Error()), diags,
		).WithCode(engine.ErrCodeValidation).WithNode(nodeID)
	}
	lit, err := ctyToGo(val)
	if err != nil {
		return engine.AttrValue{}, engine.NewConfigurationError(
			fmt.Sprintf("resource %s: attribute %s: %s", nodeID, attrName, err), err,
		).WithCode(engine.ErrCodeValidation).WithNode(nodeID)
	}
	return engine.Lit(lit), nil
}

// keywordTraversal reports whether a traversal is really one of the bare
// keywords true, false or null, which parse as single-part traversals but
// must evaluate as literals.
func keywordTraversal(traversal hcl.Traversal) bool {
	if len(traversal) != 1 {
		return false
	}
	switch traversal.RootName() {
	case "true", "false", "null":
		return true
	}
	return false
}
