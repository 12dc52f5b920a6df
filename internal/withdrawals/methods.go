package withdrawals

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/mbd888/escrowpay/internal/apperr"
	"github.com/mbd888/escrowpay/internal/money"
	"github.com/mbd888/escrowpay/internal/validation"
)

// Family is the payout rail a method dispatches to.
type Family string

const (
	FamilyStripeConnect     Family = "stripe_connect"
	FamilyStripeBankAccount Family = "stripe_bank_account"
	FamilyStripeCard        Family = "stripe_card"
)

// Valid reports whether f is a known family.
func (f Family) Valid() bool {
	switch f {
	case FamilyStripeConnect, FamilyStripeBankAccount, FamilyStripeCard:
		return true
	}
	return false
}

// Method is read-only reference data describing one way to withdraw.
type Method struct {
	Code          string
	Family        Family
	Name          string
	Min           money.Money
	Max           money.Money
	FeePercentBps int64
	FeeFixed      money.Money
	// RequiredFields maps a detail field name to a validator rule.
	RequiredFields map[string]string
	IsActive       bool
}

// FieldNames returns the required field names in sorted order.
func (m *Method) FieldNames() []string {
	names := make([]string, 0, len(m.RequiredFields))
	for k := range m.RequiredFields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Details is the method-specific payout destination. Fields is validated
// against the method's RequiredFields; Family tags which variant it is.
type Details struct {
	Family Family            `json:"family"`
	Fields map[string]string `json:"fields"`
}

// Field returns a detail value or "".
func (d Details) Field(name string) string {
	if d.Fields == nil {
		return ""
	}
	return d.Fields[name]
}

// Clone returns a deep copy.
func (d Details) Clone() Details {
	cp := Details{Family: d.Family, Fields: make(map[string]string, len(d.Fields))}
	for k, v := range d.Fields {
		cp.Fields[k] = v
	}
	return cp
}

// Fee returns the payout fee for amount. Fees are currently waived on every
// method: FeePercentBps and FeeFixed are carried but not applied.
func Fee(m *Method, amount money.Money) money.Money {
	return money.Zero(amount.Currency())
}

// Validate checks a withdrawal request against its method and returns every
// violation found.
func Validate(m *Method, amount money.Money, details Details) error {
	checks := []func() *validation.ValidationError{
		validation.Check("method", m.IsActive, "method "+m.Code+" is not active"),
		validation.PositiveAmount("amount", amount),
		validation.Check("amount", amount.SameCurrency(m.Min), "currency must be "+m.Min.Currency()),
	}
	if amount.SameCurrency(m.Min) {
		checks = append(checks,
			validation.Check("amount", amount.Cmp(m.Min) >= 0, "below method minimum "+m.Min.String()),
			validation.Check("amount", amount.Cmp(m.Max) <= 0, "above method maximum "+m.Max.String()),
		)
	}
	checks = append(checks,
		validation.Check("details.family", details.Family == "" || details.Family == m.Family,
			fmt.Sprintf("must be %s for method %s", m.Family, m.Code)),
	)
	for _, name := range m.FieldNames() {
		checks = append(checks, validation.Rule("details."+name, details.Field(name), m.RequiredFields[name]))
	}
	return validation.Validate(checks...).Err()
}

//go:embed default_methods.yaml
var defaultMethodsYAML []byte

type methodFile struct {
	Methods []struct {
		Code           string            `yaml:"code"`
		Family         Family            `yaml:"family"`
		Name           string            `yaml:"name"`
		Min            string            `yaml:"min"`
		Max            string            `yaml:"max"`
		FeePercentBps  int64             `yaml:"feePercentBps"`
		FeeFixed       string            `yaml:"feeFixed"`
		Active         bool              `yaml:"active"`
		RequiredFields map[string]string `yaml:"requiredFields"`
	} `yaml:"methods"`
}

// Catalog is the set of configured withdrawal methods.
type Catalog struct {
	methods map[string]*Method
}

// DefaultCatalog returns the built-in method catalog.
func DefaultCatalog(currency string) (*Catalog, error) {
	return ParseCatalog(defaultMethodsYAML, currency)
}

// LoadCatalogFile reads a YAML catalog from path. An empty path returns the
// built-in catalog.
func LoadCatalogFile(path, currency string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(currency)
	}
	f, err := os.Open(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("open withdrawal methods: %w", err)
	}
	defer func() { _ = f.Close() }()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read withdrawal methods: %w", err)
	}
	return ParseCatalog(data, currency)
}

// ParseCatalog decodes a YAML catalog.
func ParseCatalog(data []byte, currency string) (*Catalog, error) {
	var file methodFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse withdrawal methods: %w", err)
	}

	c := &Catalog{methods: make(map[string]*Method, len(file.Methods))}
	for i, raw := range file.Methods {
		if raw.Code == "" {
			return nil, fmt.Errorf("withdrawal method #%d: code is required", i)
		}
		if _, dup := c.methods[raw.Code]; dup {
			return nil, fmt.Errorf("withdrawal method %s: duplicate code", raw.Code)
		}
		if !raw.Family.Valid() {
			return nil, fmt.Errorf("withdrawal method %s: unknown family %q", raw.Code, raw.Family)
		}
		lo, err := money.Parse(raw.Min, currency)
		if err != nil {
			return nil, fmt.Errorf("withdrawal method %s: min: %w", raw.Code, err)
		}
		hi, err := money.Parse(raw.Max, currency)
		if err != nil {
			return nil, fmt.Errorf("withdrawal method %s: max: %w", raw.Code, err)
		}
		if lo.Cmp(hi) > 0 {
			return nil, fmt.Errorf("withdrawal method %s: min %s exceeds max %s", raw.Code, lo, hi)
		}
		feeFixed := money.Zero(currency)
		if raw.FeeFixed != "" {
			if feeFixed, err = money.Parse(raw.FeeFixed, currency); err != nil {
				return nil, fmt.Errorf("withdrawal method %s: feeFixed: %w", raw.Code, err)
			}
		}
		fields := raw.RequiredFields
		if fields == nil {
			fields = map[string]string{}
		}
		c.methods[raw.Code] = &Method{
			Code:           raw.Code,
			Family:         raw.Family,
			Name:           raw.Name,
			Min:            lo,
			Max:            hi,
			FeePercentBps:  raw.FeePercentBps,
			FeeFixed:       feeFixed,
			RequiredFields: fields,
			IsActive:       raw.Active,
		}
	}
	return c, nil
}

// Get returns a method by code.
func (c *Catalog) Get(code string) (*Method, error) {
	m, ok := c.methods[code]
	if !ok {
		return nil, apperr.NotFound("withdrawal method", code)
	}
	return m, nil
}

// All returns every method sorted by code.
func (c *Catalog) All() []*Method {
	out := make([]*Method, 0, len(c.methods))
	for _, m := range c.methods {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
