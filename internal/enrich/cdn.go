package enrich

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// CDNRule matches one provider. The rule fires when Header is present and,
// if Contains is set, its value contains that substring (case-insensitive).
type CDNRule struct {
	Name        string `yaml:"name"`
	Header      string `yaml:"header"`
	Contains    string `yaml:"contains,omitempty"`
	PoPHeader   string `yaml:"pop_header,omitempty"`
	PoPFormat   string `yaml:"pop_format,omitempty"` // raw, suffix, prefix
	TraceHeader string `yaml:"trace_header,omitempty"`
}

// defaultRulesYAML is the built-in provider ruleset. Order matters: the
// first matching rule wins, so specific trace headers come before generic
// Server matches.
const defaultRulesYAML = `
- name: cloudflare
  header: cf-ray
  pop_header: cf-ray
  pop_format: suffix
  trace_header: cf-ray
- name: cloudflare
  header: server
  contains: cloudflare
- name: fastly
  header: x-served-by
  pop_header: x-served-by
  pop_format: suffix
  trace_header: x-fastly-request-id
- name: cloudfront
  header: x-amz-cf-pop
  pop_header: x-amz-cf-pop
  trace_header: x-amz-cf-id
- name: cloudfront
  header: via
  contains: cloudfront
  trace_header: x-amz-cf-id
- name: akamai
  header: x-akamai-request-id
  trace_header: x-akamai-request-id
- name: akamai
  header: server
  contains: akamaighost
- name: vercel
  header: x-vercel-id
  pop_header: x-vercel-id
  pop_format: prefix
  trace_header: x-vercel-id
- name: netlify
  header: x-nf-request-id
  trace_header: x-nf-request-id
- name: fly
  header: fly-request-id
  trace_header: fly-request-id
- name: bunny
  header: server
  contains: bunnycdn
- name: google
  header: via
  contains: 1.1 google
`

// DefaultCDNRules returns the built-in ruleset.
func DefaultCDNRules() []CDNRule {
	rules, err := parseCDNRules([]byte(defaultRulesYAML))
	if err != nil {
		panic("enrich: built-in cdn ruleset invalid: " + err.Error())
	}
	return rules
}

// LoadCDNRules reads a ruleset from a YAML file; an empty path returns the
// built-in rules.
func LoadCDNRules(path string) ([]CDNRule, error) {
	if path == "" {
		return DefaultCDNRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("enrich: read cdn rules: %w", err)
	}
	rules, err := parseCDNRules(data)
	if err != nil {
		return nil, fmt.Errorf("enrich: parse cdn rules %s: %w", path, err)
	}
	return rules, nil
}

func parseCDNRules(data []byte) ([]CDNRule, error) {
	var rules []CDNRule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, err
	}
	for i, r := range rules {
		if r.Name == "" || r.Header == "" {
			return nil, fmt.Errorf("rule %d: name and header are required", i)
		}
	}
	return rules, nil
}

// DetectCDN runs the ruleset against response headers and returns the
// provider name, edge PoP and trace id of the first matching rule.
func DetectCDN(rules []CDNRule, headers http.Header) (cdn, pop, trace string) {
	for _, r := range rules {
		value := headers.Get(r.Header)
		if value == "" {
			continue
		}
		if r.Contains != "" && !strings.Contains(strings.ToLower(value), r.Contains) {
			continue
		}

		cdn = r.Name
		if r.PoPHeader != "" {
			pop = extractPoP(headers.Get(r.PoPHeader), r.PoPFormat)
		}
		if r.TraceHeader != "" {
			trace = headers.Get(r.TraceHeader)
		}
		return cdn, pop, trace
	}
	return "", "", ""
}

// extractPoP pulls the PoP code out of a provider-formatted header value.
//
//	suffix: "8f1a2b3c4d5e6f70-AMS" or "cache-ams21023-AMS" -> "AMS"
//	prefix: "fra1::iad1::abc123" -> "fra1"
//	raw (default): the value as-is
func extractPoP(value, format string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	switch format {
	case "suffix":
		// Multi-hop values list the edge last.
		if i := strings.LastIndexByte(value, ','); i >= 0 {
			value = strings.TrimSpace(value[i+1:])
		}
		if i := strings.LastIndexByte(value, '-'); i >= 0 {
			return value[i+1:]
		}
		return value
	case "prefix":
		if i := strings.Index(value, "::"); i >= 0 {
			return value[:i]
		}
		return value
	default:
		return value
	}
}
