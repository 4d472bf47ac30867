// internal/target/dom.go
package target

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/missionloop/api/schemas"
)

// actionableXPath finds candidates; finer filtering happens in Go.
const actionableXPath = `//a[@href] | //button | //input | //textarea | //select | ` +
	`//*[@role='button' or @role='link' or @role='tab' or @role='menuitem' or @role='checkbox' or @role='radio'] | ` +
	`//*[@onclick]`

var textInputTypes = map[string]bool{
	"": true, "text": true, "email": true, "password": true, "search": true,
	"tel": true, "url": true, "number": true, "date": true,
}

// enumerateHTML lists the actionable elements of a parsed document in document order.
func enumerateHTML(doc *html.Node) []schemas.ElementDescriptor {
	matched := make(map[*html.Node]bool)
	for _, n := range htmlquery.Find(doc, actionableXPath) {
		matched[n] = true
	}

	var out []schemas.ElementDescriptor
	ids := idAllocator{}
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && matched[n] {
			if el, ok := describeNode(n, ids); ok {
				out = append(out, el)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return out
}

func describeNode(n *html.Node, ids idAllocator) (schemas.ElementDescriptor, bool) {
	attrs := make(map[string]string, len(n.Attr))
	for _, a := range n.Attr {
		attrs[strings.ToLower(a.Key)] = a.Val
	}
	tag := strings.ToLower(n.Data)
	inputType := strings.ToLower(attrs["type"])

	for _, flag := range []string{"disabled", "hidden"} {
		if _, ok := attrs[flag]; ok {
			return schemas.ElementDescriptor{}, false
		}
	}
	if tag == "input" && inputType == "hidden" {
		return schemas.ElementDescriptor{}, false
	}

	kind := schemas.ElementClickable
	switch {
	case tag == "textarea", tag == "input" && textInputTypes[inputType]:
		kind = schemas.ElementText
	case tag == "select":
		kind = schemas.ElementChoice
	}
	if kind == schemas.ElementText {
		if _, ok := attrs["readonly"]; ok {
			return schemas.ElementDescriptor{}, false
		}
	}

	description := nodeDescription(tag, attrs)
	el := schemas.ElementDescriptor{
		ID:       ids.next(fingerprint("el-", description)),
		Selector: uniqueXPath(n),
		Kind:     kind,
		Label:    nodeLabel(n, attrs),
		Attributes: map[string]string{
			"tag": tag,
		},
	}
	for _, key := range []string{"id", "name", "type", "href", "role"} {
		if v := attrs[key]; v != "" {
			el.Attributes[key] = v
		}
	}
	if kind == schemas.ElementChoice {
		if v, ok := firstOption(n); ok {
			el.Attributes["first_option"] = v
		}
	}
	return el, true
}

// nodeDescription is the stable text a fingerprint is computed from.
func nodeDescription(tag string, attrs map[string]string) string {
	var sb strings.Builder
	sb.WriteString(tag)
	if id := attrs["id"]; id != "" {
		sb.WriteString("#" + id)
	}
	if cls := attrs["class"]; cls != "" {
		classes := strings.Fields(cls)
		sort.Strings(classes)
		sb.WriteString("." + strings.Join(classes, "."))
	}
	for _, attr := range []string{"aria-label", "href", "name", "placeholder", "role", "title", "type"} {
		if v := attrs[attr]; v != "" {
			fmt.Fprintf(&sb, `[%s=%q]`, attr, v)
		}
	}
	return sb.String()
}

func nodeLabel(n *html.Node, attrs map[string]string) string {
	for _, key := range []string{"aria-label", "title", "placeholder"} {
		if v := strings.TrimSpace(attrs[key]); v != "" {
			return v
		}
	}
	if text := strings.Join(strings.Fields(htmlquery.InnerText(n)), " "); text != "" {
		if len(text) > 80 {
			text = text[:80]
		}
		return text
	}
	if v := attrs["value"]; v != "" {
		return v
	}
	return attrs["name"]
}

// firstOption returns the value of the first option with a non-empty value.
func firstOption(sel *html.Node) (string, bool) {
	for _, opt := range htmlquery.Find(sel, ".//option") {
		v, ok := optionValue(opt)
		if ok && v != "" {
			return v, true
		}
	}
	return "", false
}

func optionValue(opt *html.Node) (string, bool) {
	for _, a := range opt.Attr {
		if a.Key == "value" {
			return a.Val, true
		}
	}
	text := strings.TrimSpace(htmlquery.InnerText(opt))
	return text, text != ""
}

// uniqueXPath builds an XPath for n, anchored at the nearest ancestor with an id.
func uniqueXPath(node *html.Node) string {
	var path []string
	for n := node; n != nil && n.Type != html.DocumentNode; n = n.Parent {
		if n.Type != html.ElementNode {
			continue
		}
		tag := strings.ToLower(n.Data)
		if id := htmlquery.SelectAttr(n, "id"); id != "" && !strings.Contains(id, "'") {
			path = append(path, fmt.Sprintf(`//*[@id='%s']`, id))
			break
		}
		index := 1
		for prev := n.PrevSibling; prev != nil; prev = prev.PrevSibling {
			if prev.Type == html.ElementNode && strings.ToLower(prev.Data) == tag {
				index++
			}
		}
		path = append(path, fmt.Sprintf("%s[%d]", tag, index))
	}
	if len(path) == 0 {
		return "/"
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	xpath := strings.Join(path, "/")
	if !strings.HasPrefix(xpath, "//*[@id=") {
		xpath = "/" + xpath
	}
	return xpath
}

// domExcerpt renders the document without script, style and noscript content and
// truncates the result to maxBytes.
func domExcerpt(doc *html.Node, maxBytes int) string {
	for _, n := range htmlquery.Find(doc, "//script | //style | //noscript | //template") {
		if n.Parent != nil {
			n.Parent.RemoveChild(n)
		}
	}
	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return ""
	}
	s := buf.String()
	if maxBytes > 0 && len(s) > maxBytes {
		s = s[:maxBytes]
	}
	return s
}
