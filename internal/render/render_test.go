package render

import (
	"errors"
	"strings"
	"testing"
)

func TestDocumentHTMLEscapesContent(test *testing.T) {
	test.Parallel()
	html, err := DocumentHTML(Document{
		Title: "Engineer <CV>",
		Text:  "Shipped <b>things</b> & more",
	})
	if err != nil {
		test.Fatalf("render: %v", err)
	}
	if strings.Contains(html, "<b>things</b>") {
		test.Fatal("document text must be escaped")
	}
	if !strings.Contains(html, "Engineer &lt;CV&gt;") {
		test.Fatal("title must be escaped into the template")
	}
}

func TestDocumentHTMLDefaultsTitle(test *testing.T) {
	test.Parallel()
	html, err := DocumentHTML(Document{Text: "some cv text"})
	if err != nil {
		test.Fatalf("render: %v", err)
	}
	if !strings.Contains(html, "Curriculum Vitae") {
		test.Fatal("expected default title")
	}
}

func TestDocumentHTMLRejectsEmptyText(test *testing.T) {
	test.Parallel()
	if _, err := DocumentHTML(Document{Title: "t", Text: "   "}); !errors.Is(err, ErrEmptyDocument) {
		test.Fatalf("expected ErrEmptyDocument, got %v", err)
	}
}
