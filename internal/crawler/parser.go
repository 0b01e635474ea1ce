package crawler

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"facilitysync/pkg/utils"
)

// Attribute keys written by the detail parser.
const (
	AttrPhone        = "phone"
	AttrWebsite      = "website"
	AttrOpeningHours = "openingHours"
	AttrRating       = "rating"
	AttrAmenities    = "amenities"
	AttrSourceURL    = "sourceUrl"
)

const maxFieldLength = 500

// Details holds the facility fields found on a detail page.
type Details struct {
	Phone        string
	Website      string
	OpeningHours []string
	Amenities    []string
	Rating       float64
	HasRating    bool
}

// Empty reports whether nothing useful was extracted.
func (d *Details) Empty() bool {
	return d.Phone == "" && d.Website == "" && len(d.OpeningHours) == 0 &&
		len(d.Amenities) == 0 && !d.HasRating
}

// Attributes converts the details into JSON-plain record attributes.
func (d *Details) Attributes() map[string]any {
	attrs := make(map[string]any)

	if d.Phone != "" {
		attrs[AttrPhone] = d.Phone
	}

	if d.Website != "" {
		attrs[AttrWebsite] = d.Website
	}

	if len(d.OpeningHours) > 0 {
		attrs[AttrOpeningHours] = toAny(d.OpeningHours)
	}

	if len(d.Amenities) > 0 {
		attrs[AttrAmenities] = toAny(d.Amenities)
	}

	if d.HasRating {
		attrs[AttrRating] = d.Rating
	}

	return attrs
}

// Parser extracts facility details from HTML pages.
type Parser struct {
	strings *utils.StringHelper
}

// NewParser creates a new parser instance.
func NewParser() *Parser {
	return &Parser{strings: utils.NewStringHelper()}
}

// ParseDetails reads schema.org microdata and common class names from a
// facility page. Scripts and styles are ignored.
func (p *Parser) ParseDetails(html []byte) (*Details, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}

	doc.Find("script, style, noscript").Remove()

	details := &Details{}

	details.Phone = p.first(doc, "[itemprop=telephone]", ".phone")
	if details.Phone == "" {
		if href, ok := doc.Find("a[href^='tel:']").First().Attr("href"); ok {
			details.Phone = p.clean(strings.TrimPrefix(href, "tel:"))
		}
	}

	for _, sel := range []string{"a[itemprop=url]", "a.website", "link[itemprop=url]"} {
		if href, ok := doc.Find(sel).First().Attr("href"); ok && strings.TrimSpace(href) != "" {
			details.Website = p.clean(href)

			break
		}
	}

	details.OpeningHours = p.all(doc, "[itemprop=openingHours]", ".opening-hours li")
	details.Amenities = p.all(doc, "[itemprop=amenityFeature]", ".amenities li")

	if raw := p.first(doc, "[itemprop=ratingValue]", ".rating"); raw != "" {
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err == nil && !math.IsNaN(v) && !math.IsInf(v, 0) {
			details.Rating = v
			details.HasRating = true
		}
	}

	return details, nil
}

// first returns the first non-empty value for the selectors, preferring the
// content attribute over the element text.
func (p *Parser) first(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		s := doc.Find(sel).First()
		if s.Length() == 0 {
			continue
		}

		if v := p.value(s); v != "" {
			return v
		}
	}

	return ""
}

// all collects every distinct value for the first selector that matches.
func (p *Parser) all(doc *goquery.Document, selectors ...string) []string {
	for _, sel := range selectors {
		var out []string

		seen := make(map[string]bool)

		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			if v := p.value(s); v != "" && !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		})

		if len(out) > 0 {
			return out
		}
	}

	return nil
}

func (p *Parser) value(s *goquery.Selection) string {
	if content, ok := s.Attr("content"); ok && strings.TrimSpace(content) != "" {
		return p.clean(content)
	}

	return p.clean(s.Text())
}

func (p *Parser) clean(s string) string {
	return p.strings.TruncateString(p.strings.NormalizeWhitespace(s), maxFieldLength)
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}

	return out
}
