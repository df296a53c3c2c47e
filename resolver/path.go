package resolver

import (
	"errors"
	"path"
	"strings"
)

// DocumentSuffix marks the document form of a node in a virtual path. The
// same name without it is the node's container form.
const DocumentSuffix = ".md"

// ErrNotFound is returned when a virtual path cannot be mapped onto the
// remote store.
var ErrNotFound = errors.New("no such document")

// Kind is what a virtual path addresses.
type Kind int

const (
	KindRoot Kind = iota
	KindNotebook
	KindDocument
	KindContainer
)

func (k Kind) String() string {
	switch k {
	case KindRoot:
		return "root"
	case KindNotebook:
		return "notebook"
	case KindDocument:
		return "document"
	case KindContainer:
		return "container"
	default:
		return "unknown"
	}
}

// IsDir reports whether paths of this kind are listable.
func (k Kind) IsDir() bool {
	return k != KindDocument
}

// VirtualPath is a parsed virtual path. Segments hold document display names
// with the document suffix removed from the leaf.
type VirtualPath struct {
	Notebook string
	Segments []string
	Kind     Kind
}

// ParsePath splits a virtual path such as "/Work/Plan/Tasks.md".
//
// "/" is the root, "/<notebook>" a notebook root. Below a notebook, a leaf
// ending in DocumentSuffix is a document and a bare leaf is a container.
// Intermediate segments are always containers, so they may not carry the
// suffix.
func ParsePath(p string) (VirtualPath, error) {
	p = path.Clean("/" + strings.TrimSpace(p))
	if p == "/" {
		return VirtualPath{Kind: KindRoot}, nil
	}
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	vp := VirtualPath{Notebook: parts[0], Kind: KindNotebook}
	if len(parts) == 1 {
		return vp, nil
	}

	segs := parts[1:]
	for _, s := range segs[:len(segs)-1] {
		if strings.HasSuffix(s, DocumentSuffix) {
			return VirtualPath{}, ErrNotFound
		}
	}
	leaf := segs[len(segs)-1]
	vp.Kind = KindContainer
	if strings.HasSuffix(leaf, DocumentSuffix) {
		leaf = strings.TrimSuffix(leaf, DocumentSuffix)
		if leaf == "" {
			return VirtualPath{}, ErrNotFound
		}
		vp.Kind = KindDocument
	}
	vp.Segments = append(append([]string(nil), segs[:len(segs)-1]...), leaf)
	return vp, nil
}

// HPath returns the notebook-scoped hierarchical path of the first n
// segments, e.g. "/Plan/Tasks".
func (v VirtualPath) HPath(n int) string {
	return "/" + strings.Join(v.Segments[:n], "/")
}

// String formats the path back into its virtual form.
func (v VirtualPath) String() string {
	switch v.Kind {
	case KindRoot:
		return "/"
	case KindNotebook:
		return "/" + v.Notebook
	}
	s := "/" + v.Notebook + "/" + strings.Join(v.Segments, "/")
	if v.Kind == KindDocument {
		s += DocumentSuffix
	}
	return s
}

// DocumentPath returns the virtual path of a child document of dir.
func DocumentPath(dir, name string) string {
	return path.Join(dir, name+DocumentSuffix)
}

// ContainerPath returns the virtual path of a child container of dir.
func ContainerPath(dir, name string) string {
	return path.Join(dir, name)
}

// Forms returns both virtual forms of the node p addresses: its document
// form and its container form. Root and notebook paths return themselves.
func Forms(p string) []string {
	vp, err := ParsePath(p)
	if err != nil {
		return []string{p}
	}
	switch vp.Kind {
	case KindDocument:
		c := vp
		c.Kind = KindContainer
		return []string{vp.String(), c.String()}
	case KindContainer:
		d := vp
		d.Kind = KindDocument
		return []string{d.String(), vp.String()}
	default:
		return []string{vp.String()}
	}
}
