package urlmetric

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

var (
	// ErrInvalidArgument is returned for out-of-range arguments, such
	// as a non-positive viewport width.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrValidation is wrapped by every *ValidationError.
	ErrValidation = errors.New("url metric validation failed")
)

// PrimeQueryParam marks page loads triggered by the priming tool.
// It is never part of a stored URL.
const PrimeQueryParam = "od_prime"

// Reserved root keys may not be set by extensions.
var ReservedRootKeys = map[string]bool{
	"url":      true,
	"viewport": true,
	"elements": true,
}

// serverKeys are assigned by the server at submission time.
var serverKeys = map[string]bool{
	"timestamp": true,
	"uuid":      true,
}

// Reserved element keys may not be set by extensions.
var ReservedElementKeys = map[string]bool{
	"isLCP":              true,
	"isLCPCandidate":     true,
	"xpath":              true,
	"intersectionRatio":  true,
	"intersectionRect":   true,
	"boundingClientRect": true,
}

var xpathPattern = regexp.MustCompile(`^(/\*\[\d+\]\[self::[A-Za-z][A-Za-z0-9:_-]*\])+$`)

// Viewport is the client's viewport size in CSS pixels.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Rect is a DOMRectReadOnly as serialized by the browser.  Only the
// x/y/width/height members are required; the edge members are kept
// when the client sends them.
type Rect struct {
	X      float64  `json:"x"`
	Y      float64  `json:"y"`
	Width  float64  `json:"width"`
	Height float64  `json:"height"`
	Top    *float64 `json:"top,omitempty"`
	Right  *float64 `json:"right,omitempty"`
	Bottom *float64 `json:"bottom,omitempty"`
	Left   *float64 `json:"left,omitempty"`
}

// ElementData is what was observed for one breadcrumbed element.
type ElementData struct {
	XPath              string  `json:"xpath"`
	IsLCP              bool    `json:"isLCP"`
	IsLCPCandidate     bool    `json:"isLCPCandidate"`
	IntersectionRatio  float64 `json:"intersectionRatio"`
	IntersectionRect   Rect    `json:"intersectionRect"`
	BoundingClientRect Rect    `json:"boundingClientRect"`

	// Extra holds properties attached by extensions.
	Extra map[string]any `json:"-"`
}

// URLMetric is one page-view observation.
type URLMetric struct {
	UUID      string        `json:"uuid,omitempty"`
	URL       string        `json:"url"`
	Timestamp float64       `json:"timestamp,omitempty"` // seconds since the epoch, server clock
	Viewport  Viewport      `json:"viewport"`
	Elements  []ElementData `json:"elements"`

	// Extra holds properties attached by extensions.
	Extra map[string]any `json:"-"`
}

// takeKey looks inside of raw to see if the specified key exists.
// If so, it decodes the value into val and removes the key from raw.
func takeKey[T any](raw map[string]json.RawMessage, name string, val *T) error {
	v, ok := raw[name]
	if !ok {
		return nil
	}
	delete(raw, name)
	if err := json.Unmarshal(v, val); err != nil {
		return &ValidationError{Field: name, Reason: err.Error()}
	}
	return nil
}

// decodeExtra turns whatever is left in raw into extension properties.
func decodeExtra(raw map[string]json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	extra := make(map[string]any, len(raw))
	for k, v := range raw {
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return nil, &ValidationError{Field: k, Reason: err.Error()}
		}
		extra[k] = val
	}
	return extra, nil
}

// mergeExtra flattens the named fields and the extension properties
// into one JSON object.  Named fields always win.
func mergeExtra(named any, extra map[string]any) ([]byte, error) {
	b, err := json.Marshal(named)
	if err != nil || len(extra) == 0 {
		return b, err
	}
	out := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if _, ok := out[k]; ok {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal %q: %w", k, err)
		}
		out[k] = raw
	}
	return json.Marshal(out)
}

func (e ElementData) MarshalJSON() ([]byte, error) {
	type plain ElementData
	return mergeExtra(plain(e), e.Extra)
}

func (e *ElementData) UnmarshalJSON(b []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	var d ElementData
	for _, err := range []error{
		takeKey(raw, "xpath", &d.XPath),
		takeKey(raw, "isLCP", &d.IsLCP),
		takeKey(raw, "isLCPCandidate", &d.IsLCPCandidate),
		takeKey(raw, "intersectionRatio", &d.IntersectionRatio),
		takeKey(raw, "intersectionRect", &d.IntersectionRect),
		takeKey(raw, "boundingClientRect", &d.BoundingClientRect),
	} {
		if err != nil {
			return err
		}
	}
	extra, err := decodeExtra(raw)
	if err != nil {
		return err
	}
	d.Extra = extra
	*e = d
	return nil
}

func (m URLMetric) MarshalJSON() ([]byte, error) {
	type plain URLMetric
	return mergeExtra(plain(m), m.Extra)
}

func (m *URLMetric) UnmarshalJSON(b []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	var u URLMetric
	for _, err := range []error{
		takeKey(raw, "uuid", &u.UUID),
		takeKey(raw, "url", &u.URL),
		takeKey(raw, "timestamp", &u.Timestamp),
		takeKey(raw, "viewport", &u.Viewport),
		takeKey(raw, "elements", &u.Elements),
	} {
		if err != nil {
			return err
		}
	}
	extra, err := decodeExtra(raw)
	if err != nil {
		return err
	}
	u.Extra = extra
	*m = u
	return nil
}

// Clone returns a deep copy of m.
func (m URLMetric) Clone() URLMetric {
	c := m
	c.Extra = cloneMap(m.Extra)
	if m.Elements != nil {
		c.Elements = make([]ElementData, len(m.Elements))
		for i, e := range m.Elements {
			c.Elements[i] = e.Clone()
		}
	}
	return c
}

// Clone returns a deep copy of e.
func (e ElementData) Clone() ElementData {
	c := e
	c.Extra = cloneMap(e.Extra)
	c.IntersectionRect = e.IntersectionRect.clone()
	c.BoundingClientRect = e.BoundingClientRect.clone()
	return c
}

func (r Rect) clone() Rect {
	c := r
	for _, p := range []**float64{&c.Top, &c.Right, &c.Bottom, &c.Left} {
		if *p != nil {
			v := **p
			*p = &v
		}
	}
	return c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = cloneValue(v)
	}
	return c
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		s := make([]any, len(t))
		for i, x := range t {
			s[i] = cloneValue(x)
		}
		return s
	default:
		return v
	}
}

// LCPElement returns the element flagged as the LCP element, if any.
func (m URLMetric) LCPElement() (ElementData, bool) {
	for _, e := range m.Elements {
		if e.IsLCP {
			return e, true
		}
	}
	return ElementData{}, false
}

// StripPrimeParam removes the priming marker from a URL's query
// string, leaving everything else untouched.
func StripPrimeParam(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.RawQuery == "" {
		return raw
	}
	q := u.Query()
	if !q.Has(PrimeQueryParam) {
		return raw
	}
	parts := strings.Split(u.RawQuery, "&")
	kept := parts[:0]
	for _, p := range parts {
		if p == PrimeQueryParam || strings.HasPrefix(p, PrimeQueryParam+"=") {
			continue
		}
		kept = append(kept, p)
	}
	u.RawQuery = strings.Join(kept, "&")
	return u.String()
}

// ValidationError identifies the offending field of a rejected
// URL Metric.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Schema controls which extension properties a strict validation
// accepts.  A nil Schema accepts no extension properties at all.
type Schema struct {
	RootProperties    []string
	ElementProperties []string
}

func allows(props []string, key string) bool {
	for _, p := range props {
		if p == key {
			return true
		}
	}
	return false
}

// Validate checks m against the URL Metric schema.  Server-assigned
// fields are not checked.
func Validate(m URLMetric, schema *Schema) error {
	u, err := url.Parse(m.URL)
	if m.URL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ValidationError{Field: "url", Reason: "must be an absolute http(s) URL"}
	}
	if m.Viewport.Width <= 0 {
		return &ValidationError{Field: "viewport.width", Reason: "must be a positive integer"}
	}
	if m.Viewport.Height <= 0 {
		return &ValidationError{Field: "viewport.height", Reason: "must be a positive integer"}
	}
	if m.Elements == nil {
		return &ValidationError{Field: "elements", Reason: "is required"}
	}
	for _, k := range sortedKeys(m.Extra) {
		if ReservedRootKeys[k] || serverKeys[k] || !allows(schema.rootProps(), k) {
			return &ValidationError{Field: k, Reason: "is not a recognized property"}
		}
	}

	lcpCount := 0
	seen := map[string]bool{}
	for i, e := range m.Elements {
		field := fmt.Sprintf("elements[%d]", i)
		if !xpathPattern.MatchString(e.XPath) {
			return &ValidationError{Field: field + ".xpath", Reason: "is not a valid element xpath"}
		}
		if seen[e.XPath] {
			return &ValidationError{Field: field + ".xpath", Reason: "is duplicated"}
		}
		seen[e.XPath] = true
		if e.IntersectionRatio < 0 || e.IntersectionRatio > 1 {
			return &ValidationError{Field: field + ".intersectionRatio", Reason: "must be between 0 and 1"}
		}
		if e.IsLCP {
			lcpCount++
			if !e.IsLCPCandidate {
				return &ValidationError{Field: field + ".isLCPCandidate", Reason: "must be true for the LCP element"}
			}
		}
		for _, k := range sortedKeys(e.Extra) {
			if ReservedElementKeys[k] || !allows(schema.elementProps(), k) {
				return &ValidationError{Field: field + "." + k, Reason: "is not a recognized property"}
			}
		}
	}
	if lcpCount > 1 {
		return &ValidationError{Field: "elements", Reason: "more than one element is marked as LCP"}
	}
	return nil
}

func (s *Schema) rootProps() []string {
	if s == nil {
		return nil
	}
	return s.RootProperties
}

func (s *Schema) elementProps() []string {
	if s == nil {
		return nil
	}
	return s.ElementProperties
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
