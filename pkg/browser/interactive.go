package browser

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// Controls summarizes the interactive elements found in a page's markup.
type Controls struct {
	Inputs    int
	Buttons   int
	Editables int
}

// Any reports whether at least one interactive control was found.
func (c Controls) Any() bool {
	return c.Inputs+c.Buttons+c.Editables > 0
}

// ScanControls parses raw HTML and counts user-operable controls, ignoring
// hidden inputs and anything inside script, style or template elements.
func ScanControls(rawHTML string) (Controls, error) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return Controls{}, fmt.Errorf("failed to parse HTML: %w", err)
	}

	var c Controls
	walkControls(doc, &c)
	return c, nil
}

func walkControls(n *html.Node, c *Controls) {
	if n.Type == html.ElementNode {
		tag := strings.ToLower(n.Data)
		if isInertContainer(tag) || hasAttr(n, "hidden") {
			return
		}

		switch tag {
		case "input":
			if !strings.EqualFold(attr(n, "type"), "hidden") {
				c.Inputs++
			}
		case "textarea", "select":
			c.Inputs++
		case "button":
			c.Buttons++
		default:
			if strings.EqualFold(attr(n, "role"), "button") {
				c.Buttons++
			} else if v, ok := attrOK(n, "contenteditable"); ok && !strings.EqualFold(v, "false") {
				c.Editables++
			}
		}
	}

	for child := n.FirstChild; child != nil; child = child.NextSibling {
		walkControls(child, c)
	}
}

func isInertContainer(tag string) bool {
	switch tag {
	case "script", "style", "noscript", "template":
		return true
	}
	return false
}

func attr(n *html.Node, name string) string {
	v, _ := attrOK(n, name)
	return v
}

func attrOK(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, name) {
			return a.Val, true
		}
	}
	return "", false
}

func hasAttr(n *html.Node, name string) bool {
	_, ok := attrOK(n, name)
	return ok
}
