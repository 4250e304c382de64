package depwalker

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

// Tree-printer colours: a node's name is green when the chosen version ships
// an sdist and red when it does not, the originating constraint is yellow,
// and the missing-wheel annotation is blue. Colouring is suppressed
// automatically when standard output is not a terminal (color.NoColor),
// whatever writer is passed in.
var (
	hasSdistColor = color.New(color.FgGreen)
	noSdistColor  = color.New(color.FgRed)
	viaColor      = color.New(color.FgYellow)
	noWhlColor    = color.New(color.FgBlue)
)

// PrintTree writes the walked graph as an indented tree, one line per edge,
// annotated with the originating specifier, marker, and whether the chosen
// version lacks an sdist or a wheel. A node reached by more than one edge is
// expanded only the first time and marked "(already listed)" after that.
func PrintTree(w io.Writer, root *DepNode) {
	printTree(w, root, map[NodeKey]bool{}, 0)
}

func printTree(w io.Writer, node *DepNode, seen map[NodeKey]bool, depth int) {
	prefix := strings.Repeat(". ", depth)
	for _, e := range node.Edges {
		t := e.To
		marker := ""
		if e.Marker != "" {
			marker = " ; " + e.Marker
		}
		if seen[t.Key] {
			fmt.Fprintf(w, "%s%s%s (==%s) (already listed)%s\n", prefix, t.Key.Name, extrasSuffix(t.Key.Extras), t.Key.Version, marker)
			continue
		}
		seen[t.Key] = true
		via := e.Spec
		if via == "" {
			via = "*"
		}
		nameColor := hasSdistColor
		noSdist := ""
		if !t.HasSdist {
			nameColor = noSdistColor
			noSdist = noSdistColor.Sprint(" no sdist")
		}
		noWhl := ""
		if !t.HasWheel {
			noWhl = noWhlColor.Sprint(" no whl")
		}
		fmt.Fprintf(w, "%s%s%s (==%s)%s via %s%s%s\n", prefix, nameColor.Sprint(t.Key.Name), extrasSuffix(t.Key.Extras), t.Key.Version, marker, viaColor.Sprint(via), noSdist, noWhl)
		if len(t.Edges) > 0 {
			printTree(w, t, seen, depth+1)
		}
	}
}

// PrintFlat writes the graph as a postorder flat list, one
// "name[extras]==version" line per distinct node, dependencies before
// dependents so the output is a valid install order for acyclic graphs.
// Unlike the tree, the flat form is uncoloured: it exists to be piped.
func PrintFlat(w io.Writer, root *DepNode) {
	printFlat(w, root, map[NodeKey]bool{})
}

func printFlat(w io.Writer, node *DepNode, seen map[NodeKey]bool) {
	for _, e := range node.Edges {
		t := e.To
		listed := seen[t.Key]
		seen[t.Key] = true
		if len(t.Edges) > 0 && !listed {
			printFlat(w, t, seen)
		}
		if !listed {
			fmt.Fprintf(w, "%s%s==%s\n", t.Key.Name, extrasSuffix(t.Key.Extras), t.Key.Version)
		}
	}
}

func extrasSuffix(extras string) string {
	if extras == "" {
		return ""
	}
	return "[" + extras + "]"
}
