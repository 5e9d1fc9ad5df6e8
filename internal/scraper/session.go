package scraper

import (
	"context"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/corpix/uarand"

	apperrors "github.com/campustools/vover-harvester/internal/errors"
	"github.com/campustools/vover-harvester/internal/logger"
)

const acceptLanguage = "de-DE,de;q=0.9,en;q=0.6"

// maxBodyBytes caps how much of a catalog page is read into memory.
const maxBodyBytes = 4 << 20

// SessionOptions configures a Session.
type SessionOptions struct {
	BaseURL    string
	UserAgent  string // empty picks a random one for the session lifetime
	Timeout    time.Duration
	Delay      time.Duration // pause before every request
	MaxRetries int
	RetryDelay time.Duration
	FixLegacy  bool
	Logger     *logger.Logger
}

// Session is one cookie-bound browsing session against the catalog. It is
// sequential and not safe for concurrent use; parallel harvests hand out
// exclusive sessions from a Pool.
type Session struct {
	client     *http.Client
	baseURL    *url.URL
	userAgent  string
	delay      time.Duration
	maxRetries int
	retryDelay time.Duration
	fixLegacy  bool
	log        *logger.Logger
}

// NewSession creates a session with a fresh cookie jar. The jar accepts
// every cookie the catalog sets and resends it unchanged; redirects are
// followed automatically.
func NewSession(opts SessionOptions) (*Session, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, apperrors.NewValidationError("base_url", err.Error())
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = uarand.GetRandom()
	}

	log := opts.Logger
	if log == nil {
		log = logger.New("info")
	}

	return &Session{
		client: &http.Client{
			Timeout: opts.Timeout,
			Jar:     jar,
		},
		baseURL:    base,
		userAgent:  userAgent,
		delay:      opts.Delay,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		fixLegacy:  opts.FixLegacy,
		log:        log.WithModule("scraper"),
	}, nil
}

// FetchSemesterOptions reads the semester dropdown from index.html.
func (s *Session) FetchSemesterOptions(ctx context.Context) ([]SemesterOption, error) {
	doc, err := s.get(ctx, "index.html", "")
	if err != nil {
		return nil, err
	}
	return ParseSemesterOptions(doc)
}

// SelectSemester switches the session's semester via the index.html form.
// The server occasionally delays echoing the selection, so a mismatch is
// only logged.
func (s *Session) SelectSemester(ctx context.Context, displayName string) error {
	form := url.Values{
		"sem_wahl": {displayName},
		"wechsel":  {"4"},
		"senden":   {"Auswählen"},
	}
	doc, err := s.post(ctx, "index.html", "index.html", form)
	if err != nil {
		return err
	}

	if echoed := SelectedSemester(doc); echoed != displayName {
		s.log.Warn("semester selection not echoed",
			"requested", displayName,
			"echoed", echoed)
	}
	return nil
}

// FetchStudyPrograms lists the study programs on verz.html.
func (s *Session) FetchStudyPrograms(ctx context.Context) ([]StudyProgramOption, error) {
	doc, err := s.get(ctx, "verz.html", "index.html")
	if err != nil {
		return nil, err
	}
	return ParseStudyPrograms(doc, s.fixLegacy)
}

// OpenProgram loads a program's default fach-semester page.
func (s *Session) OpenProgram(ctx context.Context, program StudyProgramOption) (*goquery.Document, error) {
	return s.get(ctx, program.Href, "verz.html")
}

// OpenProgramSemester loads the schedule table of a specific fach-semester
// via the stgvrz.html form.
func (s *Session) OpenProgramSemester(ctx context.Context, program StudyProgramOption, fachSemester string) (*goquery.Document, error) {
	form := url.Values{
		"stdg":   {program.Code},
		"stdg1":  {program.DisplayName},
		"semest": {fachSemester},
		"popup3": {""},
	}
	referer := "stgvrz.html?stdg=" + url.QueryEscape(program.Code)
	return s.post(ctx, "stgvrz.html", referer, form)
}

func (s *Session) get(ctx context.Context, ref, referer string) (*goquery.Document, error) {
	return s.fetch(ctx, http.MethodGet, ref, referer, nil)
}

func (s *Session) post(ctx context.Context, ref, referer string, form url.Values) (*goquery.Document, error) {
	return s.fetch(ctx, http.MethodPost, ref, referer, form)
}

func (s *Session) fetch(ctx context.Context, method, ref, referer string, form url.Values) (*goquery.Document, error) {
	target, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}

	var doc *goquery.Document
	err = RetryWithBackoff(ctx, s.maxRetries, s.retryDelay, func() error {
		if err := Sleep(ctx, s.delay); err != nil {
			return Permanent(err)
		}
		var attemptErr error
		doc, attemptErr = s.doRequest(ctx, method, target, referer, form)
		return attemptErr
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Session) doRequest(ctx context.Context, method, target, referer string, form url.Values) (*goquery.Document, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, Permanent(apperrors.NewScraperError(target, 0, nil, err))
	}

	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept-Language", acceptLanguage)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if referer != "" {
		if resolved, err := s.resolve(referer); err == nil {
			req.Header.Set("Referer", resolved)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, apperrors.NewScraperError(target, 0, nil, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, apperrors.NewScraperError(target, resp.StatusCode, nil, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		scrapeErr := apperrors.NewScraperError(target, resp.StatusCode, data,
			apperrors.NewValidationError("status", "unexpected status code"))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, Permanent(scrapeErr)
		}
		return nil, scrapeErr
	}
	if len(data) == 0 {
		return nil, apperrors.NewScraperError(target, resp.StatusCode, nil, apperrors.ErrEmptyBody)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(data)))
	if err != nil {
		return nil, apperrors.NewScraperError(target, resp.StatusCode, data, err)
	}
	return doc, nil
}

func (s *Session) resolve(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", apperrors.NewValidationError("url", err.Error())
	}
	return s.baseURL.ResolveReference(u).String(), nil
}
