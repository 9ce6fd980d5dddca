// Package extract turns a search-results page into job listings using CSS
// selectors.
package extract

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/jobsweep/internal/harvest"
	"github.com/JakeFAU/jobsweep/internal/hash/sha256"
)

// Selectors locate listing fields. Listing selects one node per job; the
// other selectors are evaluated inside it.
type Selectors struct {
	Listing     string `mapstructure:"listing"`
	Title       string `mapstructure:"title"`
	Company     string `mapstructure:"company"`
	Location    string `mapstructure:"location"`
	Link        string `mapstructure:"link"`
	Salary      string `mapstructure:"salary"`
	Posted      string `mapstructure:"posted"`
	Description string `mapstructure:"description"`
}

// Validate checks the required selectors.
func (s Selectors) Validate() error {
	var errs []error
	if strings.TrimSpace(s.Listing) == "" {
		errs = append(errs, errors.New("listing selector is required"))
	}
	if strings.TrimSpace(s.Title) == "" {
		errs = append(errs, errors.New("title selector is required"))
	}
	return errors.Join(errs...)
}

// Parse reads an HTML document.
func Parse(r io.Reader) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// Items extracts listings from root. Listings without a title are skipped.
// Links are resolved against base when it is non-nil.
func Items(root *goquery.Selection, base *url.URL, site string, sel Selectors) []harvest.Item {
	var items []harvest.Item
	root.Find(sel.Listing).Each(func(_ int, node *goquery.Selection) {
		title := text(node, sel.Title)
		if title == "" {
			return
		}
		item := harvest.Item{
			Site:        site,
			Title:       title,
			Company:     text(node, sel.Company),
			Location:    text(node, sel.Location),
			URL:         link(node, sel, base),
			Salary:      text(node, sel.Salary),
			Posted:      text(node, sel.Posted),
			Description: text(node, sel.Description),
		}
		item.ID = sha256.ItemID(item)
		items = append(items, item)
	})
	return items
}

func text(node *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	return collapse(node.Find(selector).First().Text())
}

func link(node *goquery.Selection, sel Selectors, base *url.URL) string {
	target := node
	switch {
	case sel.Link != "":
		target = node.Find(sel.Link).First()
	case goquery.NodeName(node) != "a":
		target = node.Find(sel.Title).First()
		if goquery.NodeName(target) != "a" {
			target = target.Find("a").First()
		}
	}
	href, ok := target.Attr("href")
	if !ok {
		return ""
	}
	href = strings.TrimSpace(href)
	if base == nil || href == "" {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
