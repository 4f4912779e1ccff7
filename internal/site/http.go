package site

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"stockwatch/internal/product"
	"stockwatch/internal/ratelimit"
	"stockwatch/internal/session"
)

const (
	maxPageBytes     = 4 << 20
	defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	defaultCheckout  = "/checkout"
	schemaInStock    = "schema.org/instock"
	schemaOutOfStock = "schema.org/outofstock"
	schemaSoldOut    = "schema.org/soldout"
	schemaLimited    = "schema.org/limitedavailability"
)

var (
	DefaultInStockPhrases    = []string{"add to cart", "add to basket", "in stock", "buy now"}
	DefaultOutOfStockPhrases = []string{"out of stock", "sold out", "currently unavailable", "notify me when available", "temporarily unavailable"}
)

// HTTPConfig tunes the generic adapter for one host (or all hosts).
type HTTPConfig struct {
	Name              string
	InStockPhrases    []string
	OutOfStockPhrases []string
	UserAgent         string
	CheckoutPath      string
	RequestTimeout    time.Duration
}

// HTTPAdapter reads product pages over plain HTTP and decides stock status
// from schema.org availability markup, then from visible phrases.
type HTTPAdapter struct {
	cfg HTTPConfig
}

func NewHTTPAdapter(cfg HTTPConfig) *HTTPAdapter {
	if cfg.Name == "" {
		cfg.Name = "generic-http"
	}
	if len(cfg.InStockPhrases) == 0 {
		cfg.InStockPhrases = DefaultInStockPhrases
	}
	if len(cfg.OutOfStockPhrases) == 0 {
		cfg.OutOfStockPhrases = DefaultOutOfStockPhrases
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.CheckoutPath == "" {
		cfg.CheckoutPath = defaultCheckout
	}
	cfg.InStockPhrases = lowerAll(cfg.InStockPhrases)
	cfg.OutOfStockPhrases = lowerAll(cfg.OutOfStockPhrases)
	return &HTTPAdapter{cfg: cfg}
}

func (a *HTTPAdapter) Name() string { return a.cfg.Name }

func (a *HTTPAdapter) CheckStock(ctx context.Context, sess *session.Session, p product.Product) (bool, error) {
	body, err := a.fetch(ctx, sess, http.MethodGet, p.URL, nil)
	if err != nil {
		return false, err
	}
	page, err := scanPage(body)
	if err != nil {
		return false, fmt.Errorf("%w: parse %s: %v", ErrAdapter, p.URL, err)
	}
	return page.inStock(a.cfg.InStockPhrases, a.cfg.OutOfStockPhrases), nil
}

func (a *HTTPAdapter) AddToCart(ctx context.Context, sess *session.Session, p product.Product, directURL string) (CartResult, error) {
	if directURL != "" {
		if _, err := a.fetch(ctx, sess, http.MethodGet, directURL, nil); err != nil {
			return CartResult{Method: MethodDirect, Error: err.Error()}, err
		}
		return CartResult{Success: true, Method: MethodDirect}, nil
	}

	body, err := a.fetch(ctx, sess, http.MethodGet, p.URL, nil)
	if err != nil {
		return CartResult{Method: MethodPage, Error: err.Error()}, err
	}
	page, err := scanPage(body)
	if err != nil || page.cartForm == nil {
		err = fmt.Errorf("%w: no add-to-cart form on %s", ErrAdapter, p.URL)
		return CartResult{Method: MethodPage, Error: err.Error()}, err
	}
	action, err := resolve(p.URL, page.cartForm.action)
	if err != nil {
		err = fmt.Errorf("%w: cart form action: %v", ErrAdapter, err)
		return CartResult{Method: MethodPage, Error: err.Error()}, err
	}
	form := strings.NewReader(page.cartForm.values.Encode())
	if _, err := a.fetch(ctx, sess, http.MethodPost, action, form); err != nil {
		return CartResult{Method: MethodPage, Error: err.Error()}, err
	}
	return CartResult{Success: true, Method: MethodPage}, nil
}

func (a *HTTPAdapter) AdvanceCheckout(ctx context.Context, sess *session.Session, p product.Product) (StepResult, error) {
	target, err := resolve(p.URL, a.cfg.CheckoutPath)
	if err != nil {
		return StepResult{Error: err.Error()}, fmt.Errorf("%w: checkout url: %v", ErrAdapter, err)
	}
	if _, err := a.fetch(ctx, sess, http.MethodGet, target, nil); err != nil {
		return StepResult{Error: err.Error()}, err
	}
	return StepResult{Success: true}, nil
}

func (a *HTTPAdapter) fetch(ctx context.Context, sess *session.Session, method, target string, body io.Reader) ([]byte, error) {
	if sess == nil || sess.Closed() {
		return nil, fmt.Errorf("%w: %v", ErrAdapter, session.ErrClosed)
	}
	if a.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.RequestTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrAdapter, err)
	}
	req.Header.Set("User-Agent", a.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := sess.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrAdapter, method, target, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, RetryAfter(fmt.Errorf("%w: %s returned %d", ErrAdapter, target, resp.StatusCode), ratelimit.ParseRetryAfter(resp.Header))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, fmt.Errorf("%w: %s returned %d", ErrAdapter, target, resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrAdapter, target, err)
	}
	return b, nil
}

type cartForm struct {
	action string
	values url.Values
}

type pageScan struct {
	text         strings.Builder
	availability string
	cartForm     *cartForm
}

func (p *pageScan) inStock(inPhrases, outPhrases []string) bool {
	switch p.availability {
	case schemaInStock, schemaLimited:
		return true
	case schemaOutOfStock, schemaSoldOut:
		return false
	}
	text := strings.ToLower(p.text.String())
	for _, ph := range outPhrases {
		if strings.Contains(text, ph) {
			return false
		}
	}
	for _, ph := range inPhrases {
		if strings.Contains(text, ph) {
			return true
		}
	}
	return false
}

// scanPage walks the token stream once, collecting visible text, schema.org
// availability and the first form whose action mentions "cart".
func scanPage(body []byte) (*pageScan, error) {
	z := html.NewTokenizer(bytes.NewReader(body))
	out := &pageScan{}
	skip := 0
	var form *cartForm
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return nil, err
			}
			return out, nil
		case html.TextToken:
			if skip == 0 {
				out.text.Write(z.Text())
				out.text.WriteByte(' ')
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch tok.Data {
			case "script", "style", "noscript":
				if tt == html.StartTagToken {
					skip++
				}
			case "meta", "link":
				if attr(tok, "itemprop") == "availability" {
					v := attr(tok, "content")
					if v == "" {
						v = attr(tok, "href")
					}
					if v != "" && out.availability == "" {
						out.availability = normalizeAvailability(v)
					}
				}
			case "form":
				if out.cartForm == nil && strings.Contains(strings.ToLower(attr(tok, "action")), "cart") {
					form = &cartForm{action: attr(tok, "action"), values: url.Values{}}
				}
			case "input", "button":
				if form != nil {
					if name := attr(tok, "name"); name != "" {
						form.values.Set(name, attr(tok, "value"))
					}
				}
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "noscript":
				if skip > 0 {
					skip--
				}
			case "form":
				if form != nil && out.cartForm == nil {
					out.cartForm = form
				}
				form = nil
			}
		}
	}
}

func normalizeAvailability(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	if !strings.HasPrefix(v, "schema.org/") {
		v = "schema.org/" + v
	}
	return v
}

func attr(tok html.Token, key string) string {
	for _, a := range tok.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
