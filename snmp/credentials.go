package snmp

import (
	"fmt"
	"strings"

	"github.com/gosnmp/gosnmp"
)

// Scheme selects how requests are secured.
type Scheme int

const (
	// SchemeCommunity is a shared community string (SNMPv1 or v2c).
	SchemeCommunity Scheme = iota
	// SchemeUSM is an SNMPv3 user with optional authentication and privacy.
	SchemeUSM
)

func (s Scheme) String() string {
	if s == SchemeUSM {
		return "usm"
	}
	return "community"
}

// AuthProtocol names an SNMPv3 authentication algorithm.
type AuthProtocol string

const (
	AuthNone   AuthProtocol = "no auth"
	AuthMD5    AuthProtocol = "md5"
	AuthSHA    AuthProtocol = "sha"
	AuthSHA224 AuthProtocol = "sha224"
	AuthSHA256 AuthProtocol = "sha256"
	AuthSHA384 AuthProtocol = "sha384"
	AuthSHA512 AuthProtocol = "sha512"
)

// PrivProtocol names an SNMPv3 privacy algorithm.
type PrivProtocol string

const (
	PrivNone             PrivProtocol = "no priv"
	PrivDES              PrivProtocol = "des"
	Priv3DES             PrivProtocol = "des3"
	PrivAES              PrivProtocol = "aes"
	PrivAES192           PrivProtocol = "aes192"
	PrivAES256           PrivProtocol = "aes256"
	PrivAESBlumenthal192 PrivProtocol = "aesBlumenthal192"
	PrivAESBlumenthal256 PrivProtocol = "aesBlumenthal256"
)

var authMap = map[AuthProtocol]gosnmp.SnmpV3AuthProtocol{
	AuthNone:   gosnmp.NoAuth,
	AuthMD5:    gosnmp.MD5,
	AuthSHA:    gosnmp.SHA,
	AuthSHA224: gosnmp.SHA224,
	AuthSHA256: gosnmp.SHA256,
	AuthSHA384: gosnmp.SHA384,
	AuthSHA512: gosnmp.SHA512,
}

// aes192/aes256 use Reeder key extension (gosnmp's "C" variants);
// the Blumenthal selections use the draft-blumenthal-aes-usm extension.
var privMap = map[PrivProtocol]gosnmp.SnmpV3PrivProtocol{
	PrivNone:             gosnmp.NoPriv,
	PrivDES:              gosnmp.DES,
	PrivAES:              gosnmp.AES,
	PrivAES192:           gosnmp.AES192C,
	PrivAES256:           gosnmp.AES256C,
	PrivAESBlumenthal192: gosnmp.AES192,
	PrivAESBlumenthal256: gosnmp.AES256,
}

// Selectors the protocol names but the transport cannot speak.
var unsupportedPriv = map[PrivProtocol]bool{
	Priv3DES: true,
}

// Minimum USM passphrase length (RFC 3414 section 11.2).
const minKeyLength = 8

// Credentials are immutable once constructed. Build them with
// NewCommunityCredentials or NewUSMCredentials.
type Credentials struct {
	scheme    Scheme
	version   gosnmp.SnmpVersion
	community string

	username string
	authProt AuthProtocol
	authKey  string
	privProt PrivProtocol
	privKey  string
}

// NewCommunityCredentials builds scheme A credentials. Version is "1" (the
// default when empty) or "2c".
func NewCommunityCredentials(community, version string) (Credentials, error) {
	if community == "" {
		return Credentials{}, &ConfigurationError{Field: "community", Reason: "must not be empty"}
	}
	c := Credentials{scheme: SchemeCommunity, community: community}
	switch strings.ToLower(version) {
	case "", "1", "v1":
		c.version = gosnmp.Version1
	case "2c", "v2c":
		c.version = gosnmp.Version2c
	default:
		return Credentials{}, &ConfigurationError{Field: "version", Reason: fmt.Sprintf("unsupported community version %q", version)}
	}
	return c, nil
}

// NewUSMCredentials builds scheme B credentials. Empty protocol selectors
// mean none; keys for a none protocol are ignored.
func NewUSMCredentials(username string, authProt AuthProtocol, authKey string, privProt PrivProtocol, privKey string) (Credentials, error) {
	if username == "" {
		return Credentials{}, &ConfigurationError{Field: "username", Reason: "must not be empty"}
	}
	if authProt == "" {
		authProt = AuthNone
	}
	if privProt == "" {
		privProt = PrivNone
	}

	if _, ok := authMap[authProt]; !ok {
		return Credentials{}, &ConfigurationError{Field: "auth_protocol", Reason: fmt.Sprintf("unknown protocol %q", authProt)}
	}
	if unsupportedPriv[privProt] {
		return Credentials{}, &ConfigurationError{Field: "priv_protocol", Reason: fmt.Sprintf("protocol %q is not supported", privProt)}
	}
	if _, ok := privMap[privProt]; !ok {
		return Credentials{}, &ConfigurationError{Field: "priv_protocol", Reason: fmt.Sprintf("unknown protocol %q", privProt)}
	}

	if authProt == AuthNone {
		authKey = ""
	} else if len(authKey) < minKeyLength {
		return Credentials{}, &ConfigurationError{Field: "auth_key", Reason: fmt.Sprintf("must be at least %d characters", minKeyLength)}
	}

	if privProt == PrivNone {
		privKey = ""
	} else {
		if authProt == AuthNone {
			return Credentials{}, &ConfigurationError{Field: "priv_protocol", Reason: "privacy requires an authentication protocol"}
		}
		if len(privKey) < minKeyLength {
			return Credentials{}, &ConfigurationError{Field: "priv_key", Reason: fmt.Sprintf("must be at least %d characters", minKeyLength)}
		}
	}

	return Credentials{
		scheme:   SchemeUSM,
		version:  gosnmp.Version3,
		username: username,
		authProt: authProt,
		authKey:  authKey,
		privProt: privProt,
		privKey:  privKey,
	}, nil
}

// Scheme returns the security scheme.
func (c Credentials) Scheme() Scheme { return c.scheme }

// Version returns the SNMP protocol version used on the wire.
func (c Credentials) Version() gosnmp.SnmpVersion { return c.version }

// Username returns the USM user name (empty for community credentials).
func (c Credentials) Username() string { return c.username }

// AuthProtocol returns the selected authentication protocol.
func (c Credentials) AuthProtocol() AuthProtocol { return c.authProt }

// PrivProtocol returns the selected privacy protocol.
func (c Credentials) PrivProtocol() PrivProtocol { return c.privProt }

// IsZero reports whether the credentials were never constructed.
func (c Credentials) IsZero() bool {
	return c.community == "" && c.username == ""
}

// apply copies the credentials into a gosnmp session.
func (c Credentials) apply(g *gosnmp.GoSNMP) {
	g.Version = c.version
	if c.scheme == SchemeCommunity {
		g.Community = c.community
		return
	}

	g.SecurityModel = gosnmp.UserSecurityModel
	switch {
	case c.privProt != PrivNone:
		g.MsgFlags = gosnmp.AuthPriv
	case c.authProt != AuthNone:
		g.MsgFlags = gosnmp.AuthNoPriv
	default:
		g.MsgFlags = gosnmp.NoAuthNoPriv
	}
	g.SecurityParameters = &gosnmp.UsmSecurityParameters{
		UserName:                 c.username,
		AuthenticationProtocol:   authMap[c.authProt],
		AuthenticationPassphrase: c.authKey,
		PrivacyProtocol:          privMap[c.privProt],
		PrivacyPassphrase:        c.privKey,
	}
}

// String describes the credentials without secrets.
func (c Credentials) String() string {
	if c.scheme == SchemeCommunity {
		return fmt.Sprintf("community/%s", c.version)
	}
	return fmt.Sprintf("usm/%s auth=%s priv=%s", c.username, c.authProt, c.privProt)
}
