package security

import "strings"

func defaultAutomationSignatures() []string {
	return []string{
		"headlesschrome",
		"headless",
		"phantomjs",
		"selenium",
		"webdriver",
		"puppeteer",
		"playwright",
		"python-requests",
		"python-urllib",
		"go-http-client",
		"curl/",
		"wget/",
		"scrapy",
		"httpclient",
		"bot/",
		"crawler",
		"spider",
	}
}

// IsAutomated reports whether the user agent matches a known automation or
// headless-browser signature. An empty user agent is not treated as automated.
func (e *Engine) IsAutomated(userAgent string) bool {
	ua := strings.ToLower(strings.TrimSpace(userAgent))
	if ua == "" {
		return false
	}
	for _, sig := range e.rules.AutomationSignatures {
		if sig != "" && strings.Contains(ua, strings.ToLower(sig)) {
			return true
		}
	}
	return false
}
