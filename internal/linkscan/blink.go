// Package linkscan classifies message links. A blink is an actionable
// Solana link: either an explicit solana-action URL, an interstitial that
// carries one, or a plain https URL whose origin registers matching action
// rules in its actions.json.
package linkscan

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

var actionSchemes = []string{"solana-action:", "solana:"}

// Scanner resolves whether a URL is a blink. Origin lookups go over HTTP,
// so classification is asynchronous with respect to sending.
type Scanner struct {
	http *http.Client
	log  *zap.Logger
}

// NewScanner creates a link scanner.
func NewScanner(logger *zap.Logger) *Scanner {
	return &Scanner{
		http: &http.Client{Timeout: 10 * time.Second},
		log:  logger.Named("linkscan"),
	}
}

// BareURL reports whether the content is exactly one http(s) URL and
// returns it. Content with surrounding text is never reclassified.
func BareURL(content string) (string, bool) {
	s := strings.TrimSpace(content)
	if s == "" || strings.ContainsAny(s, " \t\n") {
		return "", false
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return "", false
	}
	return s, true
}

// HasActionScheme reports whether the content starts with a Solana action
// scheme, which makes it a blink without any network lookup.
func HasActionScheme(content string) bool {
	s := strings.TrimSpace(content)
	for _, scheme := range actionSchemes {
		if strings.HasPrefix(s, scheme) {
			return true
		}
	}
	return false
}

// IsBlinkURL reports whether the URL is a blink. The checks run cheapest
// first: action scheme, then interstitial action parameter, then the
// origin's actions.json rules.
func (s *Scanner) IsBlinkURL(ctx context.Context, rawURL string) bool {
	if HasActionScheme(rawURL) {
		return true
	}
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return false
	}

	// Interstitial form: https://host/path?action=solana-action:...
	if action := u.Query().Get("action"); action != "" && HasActionScheme(action) {
		return true
	}

	rules, err := s.fetchActionRules(ctx, u)
	if err != nil {
		s.log.Debug("actions.json lookup failed", zap.String("host", u.Host), zap.Error(err))
		return false
	}
	for _, rule := range rules {
		if matchPathPattern(rule.PathPattern, u.Path) {
			return true
		}
	}
	return false
}

type actionRule struct {
	PathPattern string `json:"pathPattern"`
	APIPath     string `json:"apiPath"`
}

func (s *Scanner) fetchActionRules(ctx context.Context, u *url.URL) ([]actionRule, error) {
	origin := u.Scheme + "://" + u.Host
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/actions.json", nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}
	var doc struct {
		Rules []actionRule `json:"rules"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, err
	}
	return doc.Rules, nil
}

// matchPathPattern matches a request path against an actions.json pattern.
// "/**" matches the rest of the path including nothing, "**" matches
// anything, "*" matches one segment.
func matchPathPattern(pattern, path string) bool {
	if pattern == "" {
		return false
	}
	expr := regexp.QuoteMeta(pattern)
	expr = strings.ReplaceAll(expr, `/\*\*`, `(/.*)?`)
	expr = strings.ReplaceAll(expr, `\*\*`, `.*`)
	expr = strings.ReplaceAll(expr, `\*`, `[^/]*`)
	re, err := regexp.Compile("^" + expr + "$")
	if err != nil {
		return false
	}
	if path == "" {
		path = "/"
	}
	return re.MatchString(path)
}

// IsGiphyURL reports whether the content is a Giphy media link, which is
// rendered as a gif message rather than plain text.
func IsGiphyURL(content string) bool {
	raw, ok := BareURL(content)
	if !ok {
		return false
	}
	u, _ := url.Parse(raw)
	host := strings.ToLower(u.Host)
	return host == "giphy.com" || strings.HasSuffix(host, ".giphy.com")
}
