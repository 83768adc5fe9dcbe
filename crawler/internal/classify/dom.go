package classify

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// stats is the per-subtree text accounting of one document.
type stats struct {
	text map[*html.Node]int // visible runes in the subtree
	link map[*html.Node]int // visible runes inside <a>
}

// nodesPreorder lists every node of the tree without recursion.
func nodesPreorder(root *html.Node) []*html.Node {
	var out []*html.Node
	stack := []*html.Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, n)
		for c := n.LastChild; c != nil; c = c.PrevSibling {
			stack = append(stack, c)
		}
	}
	return out
}

// isHiddenTag reports elements whose text is never rendered.
func isHiddenTag(a atom.Atom) bool {
	switch a {
	case atom.Script, atom.Style, atom.Noscript, atom.Template, atom.Head, atom.Svg, atom.Iframe:
		return true
	}
	return false
}

// visibleRunes counts runes of s with whitespace runs collapsed to one space.
func visibleRunes(s string) int {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0
	}
	n := len(fields) - 1
	for _, f := range fields {
		n += utf8.RuneCountInString(f)
	}
	return n
}

// computeStats aggregates visible and link text bottom-up over nodes (in
// preorder). Text under hidden elements counts for nothing.
func computeStats(nodes []*html.Node) stats {
	st := stats{text: make(map[*html.Node]int, len(nodes)), link: make(map[*html.Node]int)}
	for i := len(nodes) - 1; i >= 0; i-- {
		n := nodes[i]
		if n.Type == html.ElementNode && isHiddenTag(n.DataAtom) {
			st.text[n] = 0
			st.link[n] = 0
			continue
		}
		if n.Type == html.TextNode {
			st.text[n] = visibleRunes(n.Data)
		}
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			st.link[n] = st.text[n]
		}
		if p := n.Parent; p != nil {
			st.text[p] += st.text[n]
			if p.Type == html.ElementNode && p.DataAtom == atom.A {
				continue
			}
			st.link[p] += st.link[n]
		}
	}
	return st
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// isLandmark reports main, article and role=main elements.
func isLandmark(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if n.DataAtom == atom.Main || n.DataAtom == atom.Article {
		return true
	}
	return strings.EqualFold(attr(n, "role"), "main")
}

func isBoilerplate(n *html.Node) bool {
	switch n.DataAtom {
	case atom.Nav, atom.Footer, atom.Header, atom.Aside, atom.Form:
		return true
	}
	cls := strings.ToLower(attr(n, "class") + " " + attr(n, "id"))
	for _, w := range []string{"sidebar", "cookie", "banner", "menu", "breadcrumb", "footer", "advert"} {
		if strings.Contains(cls, w) {
			return true
		}
	}
	return false
}

func isBlockCandidate(a atom.Atom) bool {
	switch a {
	case atom.Div, atom.Section, atom.Td, atom.Article, atom.Main:
		return true
	}
	return false
}

// MainNode returns the main content element of doc: the largest semantic
// landmark, else the block with the best link-discounted text score. It
// returns nil when the document carries fewer than minText visible runes
// in any candidate.
func MainNode(doc *html.Node, minText int) *html.Node {
	nodes := nodesPreorder(doc)
	st := computeStats(nodes)
	return mainNode(nodes, st, minText)
}

func mainNode(nodes []*html.Node, st stats, minText int) *html.Node {
	var best *html.Node
	bestLen := 0
	for _, n := range nodes {
		if isLandmark(n) && st.text[n] > bestLen {
			best, bestLen = n, st.text[n]
		}
	}
	if best != nil && bestLen >= minText {
		return best
	}

	best = nil
	bestScore := 0.0
	skip := make(map[*html.Node]bool)
	for _, n := range nodes {
		if n.Type != html.ElementNode {
			continue
		}
		if n.Parent != nil && skip[n.Parent] {
			skip[n] = true
			continue
		}
		if isBoilerplate(n) || isHiddenTag(n.DataAtom) {
			skip[n] = true
			continue
		}
		if !isBlockCandidate(n.DataAtom) {
			continue
		}
		t := st.text[n]
		if t < minText {
			continue
		}
		linkDens := float64(st.link[n]) / float64(t)
		score := float64(t) * (1 - linkDens)
		// A descendant holding most of the current best's text is tighter.
		if score > bestScore || (isAncestor(best, n) && score >= bestScore*0.9) {
			best, bestScore = n, score
		}
	}
	return best
}

func isAncestor(a, n *html.Node) bool {
	if a == nil {
		return false
	}
	for p := n.Parent; p != nil; p = p.Parent {
		if p == a {
			return true
		}
	}
	return false
}
