// Package scrape fetches county auction calendar pages and extracts prospect
// listings. The realforeclose.com / realtaxdeed.com sites render one
// .AUCTION_ITEM block per listing with a label/value detail table.
package scrape

import (
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/sheet-assist/sssystem/internal/domain/fault"
)

// Auction is one raw listing parsed from a calendar page.
type Auction struct {
	AuctionID           string
	StartTime           string
	Status              string // "", "cancelled", "postponed", or "sold"
	AuctionType         string
	CaseNumber          string
	FinalJudgmentAmount *float64
	ParcelID            string
	PropertyAddress     string
	CityStateZip        string
	AssessedValue       *float64
	PlaintiffMaxBid     *float64
	SoldAmount          *float64
	SoldTo              string
}

type labelRule struct {
	pattern *regexp.Regexp
	apply   func(a *Auction, value string)
}

// Label matching is regex based because the sites vary spacing and
// punctuation between counties ("Case #" vs "Case Number").
var labelRules = []labelRule{
	{regexp.MustCompile(`(?i)auction\s*type`), func(a *Auction, v string) { a.AuctionType = v }},
	{regexp.MustCompile(`(?i)case\s*#|case\s*number`), func(a *Auction, v string) { a.CaseNumber = v }},
	{regexp.MustCompile(`(?i)final\s*judgment`), func(a *Auction, v string) { a.FinalJudgmentAmount = parseCurrency(v) }},
	{regexp.MustCompile(`(?i)parcel\s*id`), func(a *Auction, v string) { a.ParcelID = v }},
	{regexp.MustCompile(`(?i)property\s*address`), func(a *Auction, v string) { a.PropertyAddress = v }},
	{regexp.MustCompile(`(?i)assessed\s*value`), func(a *Auction, v string) { a.AssessedValue = parseCurrency(v) }},
	{regexp.MustCompile(`(?i)plaintiff\s*max\s*bid`), func(a *Auction, v string) { a.PlaintiffMaxBid = parseCurrency(v) }},
}

// ParseCalendarPage extracts all auction listings from a calendar page.
// A page with no .AUCTION_ITEM blocks parses to an empty slice; structural
// failures return a Parsing fault.
func ParseCalendarPage(r io.Reader) ([]Auction, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fault.Parsing("parse calendar page", err)
	}

	var auctions []Auction
	doc.Find(".AUCTION_ITEM").Each(func(_ int, item *goquery.Selection) {
		auctions = append(auctions, parseItem(item))
	})
	return auctions, nil
}

func parseItem(item *goquery.Selection) Auction {
	a := Auction{}
	a.AuctionID = item.AttrOr("aid", "")

	startTime := cleanText(item.Find(".ASTAT_MSGB").First().Text())
	switch {
	case strings.Contains(startTime, "Canceled") || strings.Contains(startTime, "Cancelled"):
		a.Status = "cancelled"
	case strings.Contains(startTime, "Postponed"):
		a.Status = "postponed"
	default:
		a.StartTime = startTime
	}

	item.Find(".AUCTION_DETAILS table.ad_tab tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 2 {
			return
		}
		label := cleanText(cells.Eq(0).Text())
		value := cleanText(cells.Eq(1).Text())

		// The city/state/zip row carries no label.
		if label == "" {
			a.CityStateZip = value
			return
		}
		for _, rule := range labelRules {
			if rule.pattern.MatchString(label) {
				rule.apply(&a, value)
				return
			}
		}
	})

	stats := item.Find(".AUCTION_STATS").First()
	if stats.Length() > 0 && a.Status == "" {
		a.Status = "sold"
		a.SoldAmount = parseCurrency(cleanText(stats.Find(".ASTAT_MSGD").First().Text()))
		a.SoldTo = cleanText(stats.Find(".ASTAT_MSG_SOLDTO_MSG").First().Text())
	}
	return a
}

var nonCurrencyChars = regexp.MustCompile(`[^\d.]`)

// parseCurrency converts "$1,234.56" to 1234.56, or nil when the text holds
// no usable amount.
func parseCurrency(text string) *float64 {
	cleaned := nonCurrencyChars.ReplaceAllString(strings.TrimSpace(text), "")
	if cleaned == "" {
		return nil
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return nil
	}
	return &v
}

// parseCityStateZip splits "Miami, FL 33101" into its parts. Missing pieces
// come back empty.
func parseCityStateZip(text string) (city, state, zip string) {
	parts := strings.SplitN(strings.TrimSpace(text), ",", 2)
	if parts[0] != "" {
		city = strings.TrimSpace(parts[0])
	}
	if len(parts) > 1 {
		rest := strings.Fields(parts[1])
		if len(rest) > 0 {
			state = rest[0]
		}
		if len(rest) > 1 {
			zip = rest[1]
		}
	}
	return city, state, zip
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Validate surfaces listings that can never become prospects. A listing
// without a case number has no natural key to upsert on.
func (a *Auction) Validate() error {
	if a.CaseNumber == "" {
		return fault.DataValidation(
			fmt.Sprintf("auction %s has no case number", a.AuctionID), nil)
	}
	return nil
}
