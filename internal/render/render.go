// Package render turns optimized CV documents into printable PDFs.
package render

import (
	"bytes"
	"context"
	"errors"
	"html/template"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

var ErrEmptyDocument = errors.New("document has no text to render")

// Document carries the fields the CV template needs.
type Document struct {
	Title    string
	Text     string
	ATSScore int
}

var documentTemplate = template.Must(template.New("cv").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
  body { font-family: Georgia, serif; margin: 2.5cm; color: #1a1a1a; }
  h1 { font-size: 20pt; border-bottom: 1px solid #999; padding-bottom: 6px; }
  pre { font-family: inherit; font-size: 11pt; white-space: pre-wrap; line-height: 1.45; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<pre>{{.Text}}</pre>
</body>
</html>
`))

// DocumentHTML renders the CV into the print template.
func DocumentHTML(document Document) (string, error) {
	if strings.TrimSpace(document.Text) == "" {
		return "", ErrEmptyDocument
	}
	if strings.TrimSpace(document.Title) == "" {
		document.Title = "Curriculum Vitae"
	}
	var buffer bytes.Buffer
	if err := documentTemplate.Execute(&buffer, document); err != nil {
		return "", err
	}
	return buffer.String(), nil
}

// ChromeRenderer prints HTML to PDF through a headless Chrome.
type ChromeRenderer struct {
	execPath string
	timeout  time.Duration
}

// NewChromeRenderer builds a renderer. execPath may be empty, in which
// case chromedp locates the browser itself.
func NewChromeRenderer(execPath string, timeout time.Duration) *ChromeRenderer {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ChromeRenderer{execPath: execPath, timeout: timeout}
}

// RenderPDF produces an A4 PDF from the document.
func (renderer *ChromeRenderer) RenderPDF(ctx context.Context, document Document) ([]byte, error) {
	html, err := DocumentHTML(document)
	if err != nil {
		return nil, err
	}
	return renderer.renderHTML(ctx, html)
}

func (renderer *ChromeRenderer) renderHTML(ctx context.Context, html string) ([]byte, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if renderer.execPath != "" {
		opts = append(opts, chromedp.ExecPath(renderer.execPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	runCtx, cancelRun := context.WithTimeout(browserCtx, renderer.timeout)
	defer cancelRun()

	var pdf []byte
	err := chromedp.Run(runCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			frameTree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(frameTree.Frame.ID, html).Do(ctx)
		}),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			// A4 in inches.
			pdf, _, err = page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(8.27).
				WithPaperHeight(11.69).
				WithPreferCSSPageSize(true).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, err
	}
	return pdf, nil
}
