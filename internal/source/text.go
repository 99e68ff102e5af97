package source

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var skippedElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Nav:      true,
	atom.Footer:   true,
	atom.Header:   true,
	atom.Aside:    true,
	atom.Form:     true,
	atom.Svg:      true,
	atom.Iframe:   true,
	atom.Template: true,
}

var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Li: true, atom.Br: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Tr: true, atom.Section: true, atom.Article: true, atom.Ul: true, atom.Ol: true,
}

// ExtractText returns the readable text of an HTML document followed by any
// JSON-LD blocks that describe a recipe.
func ExtractText(doc []byte) (string, error) {
	root, err := html.Parse(bytes.NewReader(doc))
	if err != nil {
		return "", fmt.Errorf("failed to parse html: %w", err)
	}

	var (
		text   strings.Builder
		ldJSON []string
	)
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if n.DataAtom == atom.Script && IsJSONLD(n) {
				if raw := nodeText(n); strings.Contains(raw, "Recipe") {
					ldJSON = append(ldJSON, strings.TrimSpace(raw))
				}
				return
			}
			if skippedElements[n.DataAtom] {
				return
			}
		}
		if n.Type == html.TextNode {
			if s := strings.Join(strings.Fields(n.Data), " "); s != "" {
				if text.Len() > 0 && !endsWithSpace(&text) {
					text.WriteByte(' ')
				}
				text.WriteString(s)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.DataAtom] && text.Len() > 0 && !endsWithSpace(&text) {
			text.WriteByte('\n')
		}
	}
	walk(root)

	out := strings.TrimSpace(text.String())
	for _, block := range ldJSON {
		out += "\n\n" + block
	}
	return strings.TrimSpace(out), nil
}

// IsJSONLD reports whether n is a <script type="application/ld+json">.
func IsJSONLD(n *html.Node) bool {
	return strings.EqualFold(strings.TrimSpace(Attr(n, "type")), "application/ld+json")
}

// Attr returns the value of attribute key on n.
func Attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	return b.String()
}

func endsWithSpace(b *strings.Builder) bool {
	s := b.String()
	return s != "" && (s[len(s)-1] == ' ' || s[len(s)-1] == '\n')
}
