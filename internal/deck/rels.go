package deck

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/beevik/etree"
)

// Relationship is one entry of a part's relationship list. Target is the
// resolved part name for internal targets.
type Relationship struct {
	ID       string
	Type     string
	Target   string
	External bool
}

type relationships struct {
	pkg    *Package
	source string
	part   string
	doc    *etree.Document
}

func relsPartFor(source string) string {
	if source == "" {
		return packageRelsPart
	}
	return path.Join(path.Dir(source), "_rels", path.Base(source)+".rels")
}

// sourceOfRels maps a relationship part name back to the part it describes.
func sourceOfRels(name string) (string, bool) {
	if name == packageRelsPart {
		return "", true
	}
	dir, base := path.Split(name)
	if !strings.HasSuffix(dir, "_rels/") || !strings.HasSuffix(base, ".rels") {
		return "", false
	}
	return path.Join(strings.TrimSuffix(dir, "_rels/"), strings.TrimSuffix(base, ".rels")), true
}

func loadRelationships(pkg *Package, source string) (*relationships, error) {
	name := relsPartFor(source)
	r := &relationships{pkg: pkg, source: source, part: name}
	if !pkg.Has(name) {
		doc := newXMLDocument()
		root := doc.CreateElement("Relationships")
		root.CreateAttr("xmlns", nsRels)
		r.doc = doc
		return r, nil
	}
	doc, err := pkg.XML(name)
	if err != nil {
		return nil, err
	}
	r.doc = doc
	return r, nil
}

func (r *relationships) all() []Relationship {
	var out []Relationship
	for _, el := range r.doc.Root().SelectElements("Relationship") {
		rel := Relationship{
			ID:       el.SelectAttrValue("Id", ""),
			Type:     el.SelectAttrValue("Type", ""),
			External: el.SelectAttrValue("TargetMode", "") == "External",
		}
		target := el.SelectAttrValue("Target", "")
		if rel.External {
			rel.Target = target
		} else {
			rel.Target = resolveTarget(r.source, target)
		}
		out = append(out, rel)
	}
	return out
}

func (r *relationships) get(id string) (Relationship, bool) {
	for _, rel := range r.all() {
		if rel.ID == id {
			return rel, true
		}
	}
	return Relationship{}, false
}

func (r *relationships) target(id string) (string, bool) {
	rel, ok := r.get(id)
	if !ok || rel.External {
		return "", false
	}
	return rel.Target, true
}

func (r *relationships) byType(typ string) []Relationship {
	var out []Relationship
	for _, rel := range r.all() {
		if rel.Type == typ {
			out = append(out, rel)
		}
	}
	return out
}

func (r *relationships) add(typ, targetPart string) string {
	used := map[string]bool{}
	highest := 0
	for _, rel := range r.all() {
		used[rel.ID] = true
		if n, err := strconv.Atoi(strings.TrimPrefix(rel.ID, "rId")); err == nil && n > highest {
			highest = n
		}
	}
	id := fmt.Sprintf("rId%d", highest+1)
	for used[id] {
		highest++
		id = fmt.Sprintf("rId%d", highest+1)
	}
	el := r.doc.Root().CreateElement("Relationship")
	el.CreateAttr("Id", id)
	el.CreateAttr("Type", typ)
	el.CreateAttr("Target", relativeTarget(r.source, targetPart))
	if !r.pkg.Has(r.part) {
		r.pkg.putXML(r.part, r.doc, "")
	}
	return id
}

func (r *relationships) remove(id string) {
	root := r.doc.Root()
	for _, el := range root.SelectElements("Relationship") {
		if el.SelectAttrValue("Id", "") == id {
			root.RemoveChild(el)
		}
	}
}

func resolveTarget(source, target string) string {
	if strings.HasPrefix(target, "/") {
		return strings.TrimPrefix(target, "/")
	}
	dir := ""
	if source != "" {
		dir = path.Dir(source)
	}
	return path.Clean(path.Join(dir, target))
}

// relativeTarget expresses targetPart relative to the directory of source.
func relativeTarget(source, targetPart string) string {
	if source == "" || path.Dir(source) == "." {
		return targetPart
	}
	from := strings.Split(path.Dir(source), "/")
	to := strings.Split(targetPart, "/")
	common := 0
	for common < len(from) && common < len(to)-1 && from[common] == to[common] {
		common++
	}
	var b strings.Builder
	for i := common; i < len(from); i++ {
		b.WriteString("../")
	}
	b.WriteString(strings.Join(to[common:], "/"))
	return b.String()
}

// referenced reports whether a relationship of any part still in the
// package targets name.
func (p *Package) referenced(name string) (bool, error) {
	for _, relsName := range p.order {
		source, ok := sourceOfRels(relsName)
		if !ok || (source != "" && !p.Has(source)) {
			continue
		}
		rels, err := loadRelationships(p, source)
		if err != nil {
			return false, err
		}
		for _, rel := range rels.all() {
			if !rel.External && rel.Target == name {
				return true, nil
			}
		}
	}
	return false, nil
}

// prune removes each candidate part that no relationship targets any more,
// together with its relationship part, then considers what it pointed at.
func (p *Package) prune(candidates []string) error {
	for len(candidates) > 0 {
		name := candidates[0]
		candidates = candidates[1:]
		if !p.Has(name) || name == contentTypesPart {
			continue
		}
		used, err := p.referenced(name)
		if err != nil {
			return err
		}
		if used {
			continue
		}
		rels, err := loadRelationships(p, name)
		if err != nil {
			return err
		}
		for _, rel := range rels.all() {
			if !rel.External {
				candidates = append(candidates, rel.Target)
			}
		}
		p.remove(rels.part)
		p.remove(name)
	}
	return nil
}
