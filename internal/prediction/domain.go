package prediction

import "fmt"

// Domain selects which classification endpoint and renderer a request uses.
type Domain string

const (
	Fingerprint Domain = "fingerprint"
	BloodType   Domain = "bloodtype"
)

// Domains lists every supported classification domain.
func Domains() []Domain {
	return []Domain{Fingerprint, BloodType}
}

// ParseDomain maps a path segment or flag value to a Domain.
func ParseDomain(value string) (Domain, error) {
	switch Domain(value) {
	case Fingerprint, BloodType:
		return Domain(value), nil
	}
	return "", fmt.Errorf("unknown classification domain %q", value)
}

// EndpointPath returns the inference service path for the domain.
func (d Domain) EndpointPath() string {
	switch d {
	case Fingerprint:
		return "/predict/fingerprint"
	case BloodType:
		return "/predict/bloodtype"
	}
	return ""
}

// DisplayName is the human wording used in fallback messages.
func (d Domain) DisplayName() string {
	switch d {
	case Fingerprint:
		return "fingerprint"
	case BloodType:
		return "blood type"
	}
	return string(d)
}
