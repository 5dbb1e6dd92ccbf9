package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sheet-assist/sssystem/internal/domain/fault"
	"github.com/sheet-assist/sssystem/internal/domain/model"
	"github.com/sheet-assist/sssystem/internal/persist"
)

const (
	// DateFormat is the wire format for job param dates.
	DateFormat = "2006-01-02"
	// calendarDateFormat is what the auction sites expect in the query string.
	calendarDateFormat = "01/02/2006"

	// MaxDateRangeDays bounds one job's scope. Larger sweeps should be split
	// into multiple jobs.
	MaxDateRangeDays = 31

	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
		"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// Params is the job parameter contract for scrape jobs.
type Params struct {
	State     string `json:"state,omitempty"`
	County    string `json:"county"`
	JobType   string `json:"job_type,omitempty"` // "FC" foreclosure (default) or "TD" tax deed
	BaseURL   string `json:"base_url"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date,omitempty"` // defaults to start_date
}

// Validate checks the contract and resolves the date range.
func (p *Params) Validate() ([]time.Time, error) {
	if p.County == "" {
		return nil, fault.DataValidation("county is required", nil)
	}
	if p.BaseURL == "" {
		return nil, fault.DataValidation("base_url is required", nil)
	}

	start, err := time.Parse(DateFormat, p.StartDate)
	if err != nil {
		return nil, fault.DataValidation("invalid start_date: "+p.StartDate, err)
	}
	end := start
	if p.EndDate != "" {
		end, err = time.Parse(DateFormat, p.EndDate)
		if err != nil {
			return nil, fault.DataValidation("invalid end_date: "+p.EndDate, err)
		}
	}
	if end.Before(start) {
		return nil, fault.DataValidation("end_date precedes start_date", nil)
	}
	if end.Sub(start) > MaxDateRangeDays*24*time.Hour {
		return nil, fault.DataValidation(
			fmt.Sprintf("date range exceeds %d days", MaxDateRangeDays), nil)
	}

	var dates []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d)
	}
	return dates, nil
}

// ProspectUpserter receives parsed listings. *persist.ProspectStore satisfies
// it in production.
type ProspectUpserter interface {
	Upsert(ctx context.Context, p *persist.Prospect) error
}

// ScraperOptions configures NewScraper. All fields are optional.
type ScraperOptions struct {
	HTTPClient *http.Client
	Prospects  ProspectUpserter // nil means parse-and-count only
	Logger     *slog.Logger
	UserAgent  string
}

// Scraper fetches calendar pages over HTTP and turns listings into
// prospects. Its Work method is the engine's core.WorkFunc.
type Scraper struct {
	client    *http.Client
	prospects ProspectUpserter
	logger    *slog.Logger
	userAgent string
}

// NewScraper constructs a scraper.
func NewScraper(opts ScraperOptions) *Scraper {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Scraper{
		client:    client,
		prospects: opts.Prospects,
		logger:    logger.With("component", "scraper"),
		userAgent: userAgent,
	}
}

// Work executes one scrape job: fetch and parse the calendar page for each
// date in the range, upsert the prospects, and report counters. It checks
// ctx between dates so cancellation lands at a page boundary.
func (s *Scraper) Work(ctx context.Context, raw json.RawMessage) (*model.ResultSummary, error) {
	var params Params
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fault.DataValidation("decode scrape job params", err)
	}
	dates, err := params.Validate()
	if err != nil {
		return nil, err
	}

	summary := &model.ResultSummary{}
	for _, date := range dates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		auctions, err := s.scrapeDate(ctx, &params, date)
		if err != nil {
			return nil, fmt.Errorf("scrape %s %s: %w",
				params.County, date.Format(DateFormat), err)
		}
		if len(auctions) == 0 {
			s.logger.WarnContext(ctx, "no auctions found",
				"county", params.County,
				"date", date.Format(DateFormat),
			)
			continue
		}

		for i := range auctions {
			auction := &auctions[i]
			summary.Processed++

			if err := auction.Validate(); err != nil {
				summary.Failed++
				s.logger.WarnContext(ctx, "skipping unusable listing",
					"county", params.County,
					"auction_id", auction.AuctionID,
					"error", err,
				)
				continue
			}
			if s.prospects != nil {
				prospect := toProspect(auction, &params, date)
				if err := s.prospects.Upsert(ctx, prospect); err != nil {
					summary.Failed++
					s.logger.ErrorContext(ctx, "prospect upsert failed",
						"case_number", auction.CaseNumber,
						"error", err,
					)
					continue
				}
			}
			summary.Succeeded++
		}
	}
	return summary, nil
}

func (s *Scraper) scrapeDate(ctx context.Context, params *Params, date time.Time) ([]Auction, error) {
	url := calendarURL(params.BaseURL, date)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fault.System("build calendar request", err)
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Referer", params.BaseURL)

	resp, err := s.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fault.Network("fetch calendar page", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fault.Network(
			fmt.Sprintf("calendar page returned %d", resp.StatusCode), nil)
	default:
		// 4xx here means a misconfigured base URL, not site flakiness.
		return nil, fault.DataValidation(
			fmt.Sprintf("calendar page returned %d", resp.StatusCode), nil)
	}

	auctions, err := ParseCalendarPage(resp.Body)
	if err != nil {
		return nil, err
	}
	s.logger.DebugContext(ctx, "calendar page parsed",
		"url", url,
		"auctions", len(auctions),
	)
	return auctions, nil
}

// calendarURL builds the per-date calendar URL the auction sites serve.
func calendarURL(baseURL string, date time.Time) string {
	return fmt.Sprintf("%s/index.cfm?zaction=AUCTION&Zmethod=PREVIEW&AUCTIONDATE=%s",
		trimTrailingSlash(baseURL), date.Format(calendarDateFormat))
}

func trimTrailingSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

func toProspect(a *Auction, params *Params, date time.Time) *persist.Prospect {
	_, state, _ := parseCityStateZip(a.CityStateZip)
	if state == "" {
		state = params.State
	}

	address := a.PropertyAddress
	if a.CityStateZip != "" {
		address += ", " + a.CityStateZip
	}

	d := date
	return &persist.Prospect{
		CaseNumber:          a.CaseNumber,
		State:               state,
		County:              params.County,
		AuctionType:         a.AuctionType,
		AuctionDate:         &d,
		FinalJudgmentAmount: a.FinalJudgmentAmount,
		ParcelID:            a.ParcelID,
		PropertyAddress:     address,
		AssessedValue:       a.AssessedValue,
		PlaintiffMaxBid:     a.PlaintiffMaxBid,
	}
}
