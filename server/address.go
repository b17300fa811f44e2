package server

import (
	"fmt"
	"regexp"
	"strings"
)

// RFC 5322 validation patterns.
const LocalPartRegex = `^(?i)(?:[a-z0-9!#$%&'*+/=?^_\x60{|}~-])+(?:\.(?:[a-z0-9!#$%&'*+/=?^_\x60{|}~-])+)*$`
const DomainNameRegex = `^(?i)(?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.)+[a-z0-9](?:[a-z0-9-]*[a-z0-9])?$`

var (
	localPartRe = regexp.MustCompile(LocalPartRegex)
	domainRe    = regexp.MustCompile(DomainNameRegex)
)

// Address is a validated, lowercased email address. A +detail suffix is kept
// in the local part; BaseAddress strips it for account lookups.
type Address struct {
	fullAddress string
	localPart   string
	domain      string
}

func NewAddress(address string) (Address, error) {
	input := strings.ToLower(strings.TrimSpace(address))
	if input == "" {
		return Address{}, fmt.Errorf("empty address")
	}
	if strings.ContainsAny(input, " \t") {
		return Address{}, fmt.Errorf("address contains whitespace: '%s'", input)
	}

	parts := strings.Split(input, "@")
	if len(parts) != 2 {
		return Address{}, fmt.Errorf("malformed address: '%s'", input)
	}
	localPart, domain := parts[0], parts[1]

	if !localPartRe.MatchString(localPart) {
		return Address{}, fmt.Errorf("unacceptable local part: '%s'", localPart)
	}
	if !domainRe.MatchString(domain) {
		return Address{}, fmt.Errorf("unacceptable domain: '%s'", domain)
	}

	return Address{
		fullAddress: localPart + "@" + domain,
		localPart:   localPart,
		domain:      domain,
	}, nil
}

func (a Address) FullAddress() string { return a.fullAddress }
func (a Address) LocalPart() string   { return a.localPart }
func (a Address) Domain() string      { return a.domain }

// BaseLocalPart returns the local part without any +detail suffix.
func (a Address) BaseLocalPart() string {
	if i := strings.Index(a.localPart, "+"); i != -1 {
		return a.localPart[:i]
	}
	return a.localPart
}

// BaseAddress is the form used for credential lookups.
func (a Address) BaseAddress() string {
	return a.BaseLocalPart() + "@" + a.domain
}
