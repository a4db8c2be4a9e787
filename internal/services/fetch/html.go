package fetch

import (
	"bytes"
	"net/url"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"

	"github.com/ternarybob/trawl/internal/models"
)

// boilerplateSelectors are stripped before content conversion when
// only_main_content is set.
const boilerplateSelectors = "nav, header, footer, aside, script, style, noscript"

func (s *Service) htmlDocument(sourceURL, finalURL string, status int, contentType string, body []byte, opts models.ScrapeOptions) (*models.Document, error) {
	gq, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, &models.FetchError{
			URL:     sourceURL,
			Code:    models.ErrCodeUpstream,
			Message: "failed to parse page: " + err.Error(),
		}
	}

	doc := &models.Document{
		Metadata: models.DocumentMetadata{
			SourceURL:   sourceURL,
			URL:         finalURL,
			StatusCode:  status,
			ContentType: contentType,
			ScrapedAt:   time.Now().UTC(),
		},
	}
	fillMetadata(gq, &doc.Metadata)

	// Links come from the full page: navigation links matter for crawl
	// discovery even when the content conversion strips them.
	if opts.WantsFormat(models.FormatLinks) {
		doc.Links = extractLinks(gq, finalURL)
	}
	if opts.WantsFormat(models.FormatRawHTML) {
		doc.RawHTML = string(body)
	}

	needsContent := opts.WantsFormat(models.FormatMarkdown) || opts.WantsFormat(models.FormatHTML)
	if !needsContent {
		return doc, nil
	}

	content := contentSelection(gq, opts.OnlyMainContent == nil || *opts.OnlyMainContent)
	contentHTML, err := goquery.OuterHtml(content)
	if err != nil {
		contentHTML = string(body)
	}

	if opts.WantsFormat(models.FormatHTML) {
		doc.HTML = contentHTML
	}
	if opts.WantsFormat(models.FormatMarkdown) {
		doc.Markdown = s.toMarkdown(contentHTML, finalURL, content)
	}
	return doc, nil
}

// contentSelection scopes conversion to the page's main content container
// when one exists, stripping boilerplate either way.
func contentSelection(gq *goquery.Document, mainOnly bool) *goquery.Selection {
	body := gq.Find("body")
	if body.Length() == 0 {
		body = gq.Selection
	}
	if mainOnly {
		main := body.Find("main, article, [role=main]").First()
		if main.Length() > 0 {
			body = main
		}
		body.Find(boilerplateSelectors).Remove()
		body.Find("[class*=cookie], [id*=cookie], [class*=banner]").Remove()
		return body
	}
	body.Find("script, style, noscript").Remove()
	return body
}

func (s *Service) toMarkdown(contentHTML, baseURL string, content *goquery.Selection) string {
	converter := md.NewConverter(baseURL, true, nil)
	markdown, err := converter.ConvertString(contentHTML)
	if err != nil {
		s.logger.Warn().Err(err).Str("url", baseURL).Msg("Markdown conversion failed, falling back to text")
		return strings.TrimSpace(content.Text())
	}
	markdown = strings.TrimSpace(markdown)
	if markdown == "" {
		return strings.TrimSpace(content.Text())
	}
	return markdown
}

func fillMetadata(gq *goquery.Document, meta *models.DocumentMetadata) {
	title := strings.TrimSpace(gq.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(gq.Find(`meta[property="og:title"]`).AttrOr("content", ""))
	}
	if title == "" {
		title = strings.TrimSpace(gq.Find("h1").First().Text())
	}
	meta.Title = title

	desc := strings.TrimSpace(gq.Find(`meta[name="description"]`).AttrOr("content", ""))
	if desc == "" {
		desc = strings.TrimSpace(gq.Find(`meta[property="og:description"]`).AttrOr("content", ""))
	}
	meta.Description = desc

	meta.Language = strings.TrimSpace(gq.Find("html").AttrOr("lang", ""))
}

func extractLinks(gq *goquery.Document, baseURL string) []string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var links []string
	gq.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href := strings.TrimSpace(sel.AttrOr("href", ""))
		if href == "" ||
			strings.HasPrefix(href, "#") ||
			strings.HasPrefix(href, "javascript:") ||
			strings.HasPrefix(href, "mailto:") ||
			strings.HasPrefix(href, "tel:") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		abs.Fragment = ""
		link := abs.String()
		if !seen[link] {
			seen[link] = true
			links = append(links, link)
		}
	})
	return links
}
