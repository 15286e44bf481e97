// Package classify assigns equipment types and site codes to hosts from
// their names using an ordered, data-driven rule table.
//
// Classification is pure: the same name and description always produce the
// same result. The first matching rule wins; hosts matching no rule are
// typed "other" with an empty subtype.
package classify

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pilot-net/netoverview/pkg/types"
)

// Field selects which host attribute a rule pattern is matched against.
type Field string

const (
	FieldName        Field = "name"
	FieldDescription Field = "description"
	FieldAny         Field = "any"
)

// Rule maps a pattern to an equipment type.
type Rule struct {
	Pattern string              `json:"pattern" yaml:"pattern"`
	Field   Field               `json:"field" yaml:"field"`
	Type    types.EquipmentType `json:"type" yaml:"type"`
	Subtype string              `json:"subtype,omitempty" yaml:"subtype"`

	re *regexp.Regexp
}

func (r *Rule) compile() error {
	if r.Pattern == "" {
		return fmt.Errorf("rule has empty pattern")
	}
	if !r.Type.Valid() {
		return fmt.Errorf("rule %q: unknown equipment type %q", r.Pattern, r.Type)
	}
	switch r.Field {
	case "":
		r.Field = FieldName
	case FieldName, FieldDescription, FieldAny:
	default:
		return fmt.Errorf("rule %q: unknown field %q", r.Pattern, r.Field)
	}
	re, err := regexp.Compile(r.Pattern)
	if err != nil {
		return fmt.Errorf("rule %q: %w", r.Pattern, err)
	}
	r.re = re
	return nil
}

func (r *Rule) matches(name, description string) bool {
	switch r.Field {
	case FieldDescription:
		return r.re.MatchString(description)
	case FieldAny:
		return r.re.MatchString(name) || r.re.MatchString(description)
	default:
		return r.re.MatchString(name)
	}
}

// token builds a case-insensitive pattern matching any of words as a whole
// token delimited by non-alphanumerics. Underscore counts as a delimiter.
func token(words ...string) string {
	return `(?i)(?:^|[^a-z0-9])(?:` + strings.Join(words, "|") + `)(?:[^a-z0-9]|$)`
}

// DefaultRules returns the built-in rule table in match order.
func DefaultRules() []Rule {
	return []Rule{
		{Pattern: token("OLT", "GPON", "EPON", "XGS"), Field: FieldAny, Type: types.EquipmentOLT},
		{Pattern: token("PTP", "P2P", "BACKHAUL", `AF\d*`, "AIRFIBER", "LTU"), Field: FieldAny, Type: types.EquipmentPTPLink, Subtype: "radio"},
		{Pattern: token("AP", "UAP", "WAP", "SECTOR", "ROCKET"), Field: FieldName, Type: types.EquipmentAccessPoint},
		{Pattern: token("UPS", "NOBREAK"), Field: FieldAny, Type: types.EquipmentUPS},
		{Pattern: token(`CCR\d*`, "MIKROTIK", `RB\d*`), Field: FieldAny, Type: types.EquipmentRouter, Subtype: "mikrotik"},
		{Pattern: token("RTR", "ROUTER", "BNG", "BRAS", "GW"), Field: FieldAny, Type: types.EquipmentRouter},
		{Pattern: token(`CRS\d*`), Field: FieldName, Type: types.EquipmentSwitch, Subtype: "mikrotik"},
		{Pattern: token("SW", "SWITCH"), Field: FieldAny, Type: types.EquipmentSwitch},
		{Pattern: token("SRV", "SERVER", "VM", "PROXY", "DNS"), Field: FieldAny, Type: types.EquipmentServer},
	}
}

// DefaultSitePattern matches a site code token.
const DefaultSitePattern = `^[A-Z]{2,4}$`

// DefaultReservedTokens are equipment tokens never taken as site codes.
var DefaultReservedTokens = []string{
	"OLT", "GPON", "EPON", "RTR", "SW", "AP", "UAP", "WAP", "UPS", "PTP",
	"CCR", "CRS", "SRV", "ONU", "ONT", "GW", "BNG", "BRAS", "CPE", "LTU",
	"AF", "DNS", "VM", "RB", "XGS",
}

// Options customizes a Classifier. Zero values select the defaults.
type Options struct {
	// Rules are matched before the defaults, or instead of them when
	// ReplaceDefaults is set.
	Rules           []Rule
	ReplaceDefaults bool

	SitePattern string

	// ReservedTokens are never taken as site codes. Nil selects the
	// defaults plus the words of the custom Rules patterns.
	ReservedTokens []string

	// SiteNames maps site codes to display names.
	SiteNames map[string]string
}

// Classification is the result for one host.
type Classification struct {
	Type    types.EquipmentType `json:"type"`
	Subtype string              `json:"subtype,omitempty"`
	Site    string              `json:"site,omitempty"`
}

// Classifier is safe for concurrent use; it is immutable after New.
type Classifier struct {
	rules     []Rule
	sitePat   *regexp.Regexp
	reserved  map[string]struct{}
	siteNames map[string]string
}

// New compiles a Classifier from options.
func New(opts Options) (*Classifier, error) {
	var rules []Rule
	rules = append(rules, opts.Rules...)
	if !opts.ReplaceDefaults {
		rules = append(rules, DefaultRules()...)
	}
	for i := range rules {
		if err := rules[i].compile(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
	}

	pattern := opts.SitePattern
	if pattern == "" {
		pattern = DefaultSitePattern
	}
	sitePat, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("site pattern: %w", err)
	}

	tokens := opts.ReservedTokens
	if tokens == nil {
		tokens = append([]string(nil), DefaultReservedTokens...)
		for _, r := range opts.Rules {
			tokens = append(tokens, patternWords(r.Pattern)...)
		}
	}
	reserved := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		reserved[strings.ToUpper(t)] = struct{}{}
	}

	names := make(map[string]string, len(opts.SiteNames))
	for code, name := range opts.SiteNames {
		names[code] = name
	}

	return &Classifier{rules: rules, sitePat: sitePat, reserved: reserved, siteNames: names}, nil
}

var (
	// escapes, classes, group flags and repetition counts carry no words
	patternSyntax = regexp.MustCompile(`\\.|\[[^\]]*\]|\(\?[a-zA-Z]*[:)]?|\{[^}]*\}`)
	wordSplit     = regexp.MustCompile(`[^A-Za-z0-9]+`)
)

// patternWords returns the literal words of a rule pattern, so that
// token("RADIO", `BRDG\d*`) yields RADIO and BRDG.
func patternWords(pattern string) []string {
	var words []string
	for _, w := range wordSplit.Split(patternSyntax.ReplaceAllString(pattern, " "), -1) {
		if len(w) >= 2 {
			words = append(words, strings.ToUpper(w))
		}
	}
	return words
}

// Default returns a Classifier with the built-in rules.
func Default() *Classifier {
	c, err := New(Options{})
	if err != nil {
		panic(err) // built-in table must compile
	}
	return c
}

// Classify types a host by name and description and extracts its site.
func (c *Classifier) Classify(name, description string) Classification {
	result := Classification{Type: types.EquipmentOther, Site: c.Site(name)}
	for i := range c.rules {
		if c.rules[i].matches(name, description) {
			result.Type = c.rules[i].Type
			result.Subtype = c.rules[i].Subtype
			break
		}
	}
	return result
}

// Site extracts the site code from a host name, or "" when none is found.
func (c *Classifier) Site(name string) string {
	start := -1
	for i := 0; i <= len(name); i++ {
		if i < len(name) && !isSeparator(name[i]) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start < 0 {
			continue
		}
		tok := name[start:i]
		start = -1
		// Only tokens followed by a separator qualify.
		if i == len(name) {
			break
		}
		if _, ok := c.reserved[strings.ToUpper(tok)]; ok {
			continue
		}
		if c.sitePat.MatchString(tok) {
			return tok
		}
	}
	return ""
}

func isSeparator(b byte) bool {
	return b == '-' || b == '_' || b == '.' || b == ' '
}

// Apply classifies hosts in place.
func (c *Classifier) Apply(hosts []types.Host) {
	for i := range hosts {
		cl := c.Classify(hosts[i].Name, hosts[i].Description)
		hosts[i].Type = cl.Type
		hosts[i].Subtype = cl.Subtype
		hosts[i].Site = cl.Site
	}
}

// SiteName returns the display name for a site code, defaulting to the code.
func (c *Classifier) SiteName(code string) string {
	if name, ok := c.siteNames[code]; ok && name != "" {
		return name
	}
	return code
}

// Rules returns a copy of the rule table in match order.
func (c *Classifier) Rules() []Rule {
	out := make([]Rule, len(c.rules))
	copy(out, c.rules)
	return out
}
