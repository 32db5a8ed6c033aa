package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
	"vicedtools/internal/components/assert"
	"vicedtools/internal/components/telemetry"
	"vicedtools/lib/restyutil"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"
)

const (
	report_client_send          = "client.send"
	report_client_reset_cookies = "client.reset-cookies"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"

type Options struct {
	BaseUrl string
	// Timeout bounds a single request, zero means 30 seconds.
	Timeout time.Duration
	// Retries is the number of extra attempts made for replayable requests.
	Retries      int
	RetryWait    time.Duration
	RetryMaxWait time.Duration
	// RequestsPerSecond of zero disables rate limiting.
	RequestsPerSecond float64
	UserAgent         string
	// LoginPath is the path prefix of the portal's login screen, landing
	// under it on an authenticated request means the session expired.
	LoginPath        string
	CloudflareBypass bool
	// Output receives a dump of every exchange when set.
	Output restyutil.InstrumentOutput
}

func DefaultOptions(baseUrl string) Options {
	return Options{
		BaseUrl:           baseUrl,
		Timeout:           time.Second * 30,
		Retries:           3,
		RetryWait:         time.Second,
		RetryMaxWait:      time.Second * 10,
		RequestsPerSecond: 2,
		LoginPath:         "/login/",
	}
}

// Request describes one exchange with the portal.
type Request struct {
	Method string
	// URL is either absolute or relative to the client's base url.
	URL   string
	Query url.Values
	// Form is sent as an urlencoded body for POST, and merged into the query
	// for GET.
	Form url.Values
	// Accept is the expected content type.
	Accept string
	// Replayable requests are retried on network failures and 5xx, only
	// idempotent GETs and the first unauthenticated POST should set it.
	Replayable bool
	// Authenticated requests expect a live session.
	Authenticated bool
}

type Response struct {
	Status int
	// URL is the final url after redirects.
	URL         *url.URL
	ContentType string
	Body        []byte
}

// Client is a cookie-persisting http client for a single portal identity,
// it is not safe to share between sessions.
type Client struct {
	BaseUrl *url.URL

	http      *resty.Client
	loginPath string
	tel       telemetry.API
}

func NewClient(opts Options, tel telemetry.API) (*Client, error) {
	assert.NotNil(tel)
	assert.NotEmptyStr(opts.BaseUrl)

	tel = telemetry.NewScopedAPI("portal_transport", tel)

	parsedBaseUrl, err := url.Parse(opts.BaseUrl)
	if err != nil {
		return nil, err
	}

	httpClient := resty.New()
	httpClient.SetBaseURL(strings.TrimSuffix(opts.BaseUrl, "/"))
	jar, err := newJar()
	if err != nil {
		return nil, err
	}
	httpClient.SetCookieJar(jar)
	if opts.CloudflareBypass {
		httpClient.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(httpClient.GetClient().Transport)
	}

	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	httpClient.SetHeader("user-agent", userAgent)
	httpClient.SetRedirectPolicy(
		resty.FlexibleRedirectPolicy(10),
		resty.DomainCheckRedirectPolicy(parsedBaseUrl.Hostname()),
	)
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = time.Second * 30
	}
	httpClient.SetTimeout(timeout)

	// backoff is exponential with jitter between the wait and max wait
	httpClient.SetRetryCount(opts.Retries)
	if opts.RetryWait > 0 {
		httpClient.SetRetryWaitTime(opts.RetryWait)
	}
	if opts.RetryMaxWait > 0 {
		httpClient.SetRetryMaxWaitTime(opts.RetryMaxWait)
	}

	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		rateLimiter := rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
		httpClient.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
			return rateLimiter.Wait(req.Context())
		})
	}

	telemetry.InstrumentResty(httpClient, tel, opts.Output)

	loginPath := opts.LoginPath
	if loginPath == "" {
		loginPath = "/login/"
	}

	return &Client{
		BaseUrl:   parsedBaseUrl,
		http:      httpClient,
		loginPath: loginPath,
		tel:       tel,
	}, nil
}

func newJar() (http.CookieJar, error) {
	return cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
}

// ResetCookies discards every cookie, the next request starts a fresh
// portal session.
func (c *Client) ResetCookies() error {
	jar, err := newJar()
	if err != nil {
		c.tel.ReportBroken(report_client_reset_cookies, err)
		return err
	}
	c.http.SetCookieJar(jar)
	return nil
}

func replayCondition(res *resty.Response, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	return res != nil && res.StatusCode() >= 500
}

func neverRetry(*resty.Response, error) bool {
	return false
}

// IsExpired reports whether an authenticated request that produced `res`
// has lost its session.
func (c *Client) IsExpired(res Response) bool {
	if res.Status == http.StatusUnauthorized {
		return true
	}
	if res.URL == nil {
		return false
	}
	return strings.HasPrefix(strings.ToLower(res.URL.Path), strings.ToLower(c.loginPath))
}

// Send performs a request, retrying it first if it is replayable.
func (c *Client) Send(ctx context.Context, req Request) (Response, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	r := c.http.R().SetContext(ctx)
	if req.Accept != "" {
		r.SetHeader("accept", req.Accept)
	}

	query := url.Values{}
	for k, v := range req.Query {
		query[k] = append(query[k], v...)
	}
	if method == http.MethodGet {
		for k, v := range req.Form {
			query[k] = append(query[k], v...)
		}
	} else if req.Form != nil {
		r.SetFormDataFromValues(req.Form)
	}
	if len(query) > 0 {
		r.SetQueryParamsFromValues(query)
	}

	if req.Replayable {
		r.AddRetryCondition(replayCondition)
	} else {
		r.AddRetryCondition(neverRetry)
	}

	res, err := r.Execute(method, req.URL)
	if err != nil {
		c.tel.ReportBroken(report_client_send, err, method, req.URL)
		return Response{}, &Error{Method: method, URL: req.URL, Err: err}
	}

	out := Response{
		Status:      res.StatusCode(),
		ContentType: res.Header().Get("content-type"),
		Body:        res.Body(),
	}
	if res.RawResponse != nil && res.RawResponse.Request != nil {
		out.URL = res.RawResponse.Request.URL
	} else {
		out.URL, _ = url.Parse(res.Request.URL)
	}

	if req.Authenticated && c.IsExpired(out) {
		c.tel.ReportWarning(report_client_send, "session expired", method, req.URL, out.URL.String())
		return out, &ExpiredError{Method: method, URL: req.URL, Landing: out.URL.String()}
	}
	if res.IsError() {
		c.tel.ReportBroken(report_client_send, res.Status(), method, req.URL)
		return out, &Error{Method: method, URL: req.URL, Status: out.Status}
	}

	return out, nil
}
