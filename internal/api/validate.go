package api

import (
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/exit1dev/monitor/internal/config"
	"github.com/exit1dev/monitor/internal/model"
)

// checkRequest is the write shape for check create and update. Booleans
// that default to true are pointers so an absent field is distinguishable
// from an explicit false.
type checkRequest struct {
	UserID                string            `json:"user_id"`
	URL                   string            `json:"url"`
	Name                  string            `json:"name"`
	Method                string            `json:"method"`
	ExpectedStatusCodes   []int             `json:"expected_status_codes"`
	BodyAssertion         string            `json:"body_assertion"`
	IntervalSeconds       int               `json:"interval_seconds"`
	Headers               map[string]string `json:"headers"`
	RequestBody           string            `json:"request_body"`
	Region                string            `json:"region"`
	Enabled               *bool             `json:"enabled"`
	FollowRedirects       *bool             `json:"follow_redirects"`
	TreatRedirectAsOnline *bool             `json:"treat_redirect_as_online"`
	PreferIPv6            bool              `json:"prefer_ipv6"`
	Tier                  string            `json:"tier"`
	OrderIndex            int               `json:"order_index"`
}

var allowedMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

// validateCheckRequest validates the request and applies defaults. The
// returned tier is the resolved one (unknown tags fall back to free).
func validateCheckRequest(req *checkRequest, defaultRegion string) (model.Tier, error) {
	if req.UserID == "" {
		return model.Tier{}, fmt.Errorf("user_id: required")
	}
	if req.URL == "" {
		return model.Tier{}, fmt.Errorf("url: required")
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return model.Tier{}, fmt.Errorf("url: must be an absolute http or https URL")
	}

	if req.Method != "" && !allowedMethods[req.Method] {
		return model.Tier{}, fmt.Errorf("method: %q not supported", req.Method)
	}

	for _, code := range req.ExpectedStatusCodes {
		if code < 100 || code > 599 {
			return model.Tier{}, fmt.Errorf("expected_status_codes: %d out of range", code)
		}
	}

	tier := model.TierByName(req.Tier)
	req.Tier = tier.Name
	if req.IntervalSeconds == 0 {
		req.IntervalSeconds = tier.MinIntervalSeconds
	}
	if req.IntervalSeconds < tier.MinIntervalSeconds {
		return model.Tier{}, fmt.Errorf("interval_seconds: %d below the %s tier minimum of %d",
			req.IntervalSeconds, tier.Name, tier.MinIntervalSeconds)
	}

	if req.Region == "" {
		req.Region = defaultRegion
	}
	if req.Region == "" {
		return model.Tier{}, fmt.Errorf("region: required")
	}
	if !slices.Contains(config.KnownRegions, req.Region) {
		return model.Tier{}, fmt.Errorf("region: unknown region %q (allowed: %s)",
			req.Region, strings.Join(config.KnownRegions, ", "))
	}

	return tier, nil
}

// applyCheckRequest copies the validated configuration onto the check,
// leaving runtime state untouched.
func applyCheckRequest(c *model.Check, req *checkRequest) {
	c.UserID = req.UserID
	c.URL = req.URL
	c.Name = req.Name
	c.Method = req.Method
	c.ExpectedStatusCodes = req.ExpectedStatusCodes
	c.BodyAssertion = req.BodyAssertion
	c.IntervalSeconds = req.IntervalSeconds
	c.Headers = req.Headers
	c.RequestBody = req.RequestBody
	c.Region = req.Region
	c.PreferIPv6 = req.PreferIPv6
	c.Tier = req.Tier
	c.OrderIndex = req.OrderIndex

	c.Enabled = req.Enabled == nil || *req.Enabled
	c.FollowRedirects = req.FollowRedirects == nil || *req.FollowRedirects
	c.TreatRedirectAsOnline = req.TreatRedirectAsOnline == nil || *req.TreatRedirectAsOnline
}
