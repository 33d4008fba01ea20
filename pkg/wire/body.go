package wire

import (
	"fmt"
	"strconv"

	"github.com/beevik/etree"
)

// bodyRoot is the root element wrapping every Baichuan XML body.
const bodyRoot = "body"

// NewBody creates an XML body document with a single command element
// under the standard root.
func NewBody(command string) (*etree.Document, *etree.Element) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement(bodyRoot)
	cmd := root.CreateElement(command)
	return doc, cmd
}

// MarshalBody serializes a body document to bytes.
func MarshalBody(doc *etree.Document) ([]byte, error) {
	data, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadBody, err)
	}
	return data, nil
}

// ParseBody parses a frame body into an XML document and validates the root.
// An empty body is valid and yields a nil document: several commands reply
// with a bare status header.
func ParseBody(data []byte) (*etree.Document, error) {
	if len(data) == 0 {
		return nil, nil
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadBody, err)
	}
	root := doc.Root()
	if root == nil || root.Tag != bodyRoot {
		return nil, fmt.Errorf("%w: unexpected root element", ErrBadBody)
	}
	return doc, nil
}

// BodyElement returns the named command element from a parsed body.
func BodyElement(doc *etree.Document, command string) (*etree.Element, error) {
	if doc == nil || doc.Root() == nil {
		return nil, fmt.Errorf("%w: empty body", ErrBadBody)
	}
	el := doc.Root().SelectElement(command)
	if el == nil {
		return nil, fmt.Errorf("%w: missing <%s> element", ErrBadBody, command)
	}
	return el, nil
}

// ChildText returns the text of a named child element, or "" if absent.
func ChildText(el *etree.Element, name string) string {
	if child := el.SelectElement(name); child != nil {
		return child.Text()
	}
	return ""
}

// ChildInt returns the integer text of a named child element.
func ChildInt(el *etree.Element, name string) (int, error) {
	text := ChildText(el, name)
	if text == "" {
		return 0, fmt.Errorf("%w: missing <%s> element", ErrBadBody, name)
	}
	n, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("%w: <%s> is not numeric", ErrBadBody, name)
	}
	return n, nil
}

// SetChildText creates (or replaces) a named child element with text content.
func SetChildText(el *etree.Element, name, text string) {
	child := el.SelectElement(name)
	if child == nil {
		child = el.CreateElement(name)
	}
	child.SetText(text)
}

// SetChildInt creates (or replaces) a named child element with numeric content.
func SetChildInt(el *etree.Element, name string, value int) {
	SetChildText(el, name, strconv.Itoa(value))
}
