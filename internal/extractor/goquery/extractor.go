// Package goqueryextractor implements crawler.LinkExtractor with goquery.
package goqueryextractor

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

// Extractor pulls href attributes from anchor elements in document order.
type Extractor struct {
	logger *zap.Logger
}

// New returns an Extractor. A nil logger is replaced with a no-op logger.
func New(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{logger: logger.Named("extractor")}
}

// Extract returns every non-empty href of an <a> element, in the order the
// anchors appear. Input that cannot be parsed yields an empty slice.
// Extraction is pure: the same bytes always produce the same sequence.
func (e *Extractor) Extract(body []byte) []string {
	if len(body) == 0 {
		return []string{}
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		e.logger.Debug("parse failed", zap.Error(err), zap.Int("bytes", len(body)))
		return []string{}
	}
	hrefs := make([]string, 0)
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		href = strings.TrimSpace(href)
		if href == "" {
			return
		}
		hrefs = append(hrefs, href)
	})
	return hrefs
}
