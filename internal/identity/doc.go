// Package identity models resolved DID documents and decodes the public
// keys carried in their verification methods.
package identity

import "strings"

// Verification method types this core understands. Anything else is
// MethodUnsupported and skipped (with a collected error) during
// signature verification.
type MethodType int

const (
	MethodUnsupported MethodType = iota
	MethodMultikey
	MethodJSONWebKey2020
	MethodECDSASecp256r1_2019
)

// ParseMethodType maps the document's type string onto the closed set.
func ParseMethodType(s string) MethodType {
	switch s {
	case "Multikey":
		return MethodMultikey
	case "JsonWebKey2020":
		return MethodJSONWebKey2020
	case "EcdsaSecp256r1VerificationKey2019":
		return MethodECDSASecp256r1_2019
	default:
		return MethodUnsupported
	}
}

func (t MethodType) String() string {
	switch t {
	case MethodMultikey:
		return "Multikey"
	case MethodJSONWebKey2020:
		return "JsonWebKey2020"
	case MethodECDSASecp256r1_2019:
		return "EcdsaSecp256r1VerificationKey2019"
	default:
		return "unsupported"
	}
}

// VerificationMethod is a public key entry in a DID document.
type VerificationMethod struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Controller         string `json:"controller"`
	PublicKeyMultibase string `json:"publicKeyMultibase"`
}

// Service is an endpoint record in a DID document.
type Service struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

// Document is an immutable snapshot of a resolved DID document. It is
// fetched externally and never mutated by this core.
type Document struct {
	Context            []string             `json:"@context,omitempty"`
	ID                 string               `json:"id"`
	AlsoKnownAs        []string             `json:"alsoKnownAs,omitempty"`
	VerificationMethod []VerificationMethod `json:"verificationMethod,omitempty"`
	Service            []Service            `json:"service,omitempty"`
}

// MethodByID returns the verification method whose id matches, accepting
// both full ids ("did:plc:x#key-1") and bare fragments ("key-1", "#key-1").
func (d *Document) MethodByID(id string) *VerificationMethod {
	if id == "" {
		return nil
	}
	for i := range d.VerificationMethod {
		m := &d.VerificationMethod[i]
		if m.ID == id {
			return m
		}
		if frag, ok := strings.CutPrefix(m.ID, d.ID+"#"); ok {
			if frag == strings.TrimPrefix(id, "#") {
				return m
			}
		}
	}
	return nil
}

// DataServerEndpoint returns the holder's data-server endpoint, if the
// document declares one.
func (d *Document) DataServerEndpoint() string {
	for _, s := range d.Service {
		if s.Type == "DataServer" || strings.HasSuffix(s.ID, "#data_server") {
			return s.ServiceEndpoint
		}
	}
	return ""
}

// IsDID reports whether s has the shape of a DID ("did:method:specific-id").
func IsDID(s string) bool {
	parts := strings.SplitN(s, ":", 3)
	return len(parts) == 3 && parts[0] == "did" && parts[1] != "" && parts[2] != ""
}
