package extract

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// densityMinText is the minimum text length for a subtree to qualify
// as a content candidate. Shorter blocks are navigation or chrome.
const densityMinText = 140

// mainContent returns the DOM subtree most likely to hold the article
// body, or nil when nothing stands out. Semantic landmarks win; when a
// page has none, the subtree with the highest text volume and low link
// density is picked. Pages that defeat both heuristics fall back to
// whole-document conversion in the caller.
func mainContent(doc *html.Node) *html.Node {
	for _, n := range landmarkNodes(doc) {
		if !isBoilerplate(n) && len(nodeText(n)) >= densityMinText {
			return n
		}
	}

	body := findBody(doc)
	if body == nil {
		return nil
	}
	return densestNode(body)
}

// landmarkNodes returns <article>, <main> and role="main" elements in
// document order.
func landmarkNodes(doc *html.Node) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch {
			case n.DataAtom == atom.Article || n.DataAtom == atom.Main:
				out = append(out, n)
			case attrValue(n, "role") == "main":
				out = append(out, n)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return out
}

// boilerplateMarkers flag navigation and chrome by class or id.
var boilerplateMarkers = []string{
	"nav", "menu", "sidebar", "footer", "header", "banner",
	"comment", "advert", "promo", "cookie", "related",
}

func isBoilerplate(n *html.Node) bool {
	switch n.DataAtom {
	case atom.Nav, atom.Footer, atom.Aside, atom.Header:
		return true
	}
	marker := strings.ToLower(attrValue(n, "class") + " " + attrValue(n, "id"))
	for _, m := range boilerplateMarkers {
		if strings.Contains(marker, m) {
			return true
		}
	}
	return false
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

type contentScore struct {
	node  *html.Node
	score float64
}

// densestNode scores container elements by text volume against link
// density and returns the best, or nil when no candidate qualifies.
func densestNode(root *html.Node) *html.Node {
	var best contentScore

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type != html.ElementNode || isBoilerplate(n) {
			return
		}
		if isContainer(n.DataAtom) {
			text := nodeText(n)
			if len(text) >= densityMinText {
				linkDensity := float64(len(linkText(n))) / float64(len(text))
				// Mostly-link subtrees are navigation, not content.
				if linkDensity <= 0.5 {
					score := float64(len(text)) * (1 - linkDensity)
					if score > best.score {
						best = contentScore{node: n, score: score}
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return best.node
}

func isContainer(a atom.Atom) bool {
	switch a {
	case atom.Div, atom.Section, atom.Article, atom.Main, atom.Td, atom.Body:
		return true
	}
	return false
}

// nodeText collects visible text under n, skipping scripts, styles and
// boilerplate subtrees.
func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript:
				return
			}
			if isBoilerplate(n) {
				return
			}
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

// linkText collects text that sits inside <a> elements under n.
func linkText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node, bool)
	walk = func(n *html.Node, inLink bool) {
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			inLink = true
		}
		if n.Type == html.TextNode && inLink {
			sb.WriteString(strings.TrimSpace(n.Data))
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, inLink)
		}
	}
	walk(n, false)
	return sb.String()
}

func findBody(doc *html.Node) *html.Node {
	var body *html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if body != nil {
			return
		}
		if n.Type == html.ElementNode && n.DataAtom == atom.Body {
			body = n
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return body
}
