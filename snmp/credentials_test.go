package snmp

import (
	"testing"

	"github.com/gosnmp/gosnmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCommunityCredentials(t *testing.T) {
	creds, err := NewCommunityCredentials("public", "")
	require.NoError(t, err)
	assert.Equal(t, SchemeCommunity, creds.Scheme())
	assert.Equal(t, gosnmp.Version1, creds.Version())

	creds, err = NewCommunityCredentials("public", "2c")
	require.NoError(t, err)
	assert.Equal(t, gosnmp.Version2c, creds.Version())

	_, err = NewCommunityCredentials("", "1")
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "community", cfgErr.Field)

	_, err = NewCommunityCredentials("public", "3")
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "version", cfgErr.Field)
}

func TestNewUSMCredentials(t *testing.T) {
	tests := []struct {
		name     string
		authProt AuthProtocol
		authKey  string
		privProt PrivProtocol
		privKey  string
		field    string // expected ConfigurationError field, empty for success
	}{
		{name: "noAuthNoPriv", authProt: AuthNone, privProt: PrivNone},
		{name: "empty selectors mean none"},
		{name: "authNoPriv", authProt: AuthSHA256, authKey: "authpass1"},
		{name: "authPriv aes", authProt: AuthSHA, authKey: "authpass1", privProt: PrivAES, privKey: "privpass1"},
		{name: "authPriv reeder", authProt: AuthSHA512, authKey: "authpass1", privProt: PrivAES256, privKey: "privpass1"},
		{name: "authPriv blumenthal", authProt: AuthMD5, authKey: "authpass1", privProt: PrivAESBlumenthal192, privKey: "privpass1"},
		{name: "unknown auth", authProt: "sha3", authKey: "authpass1", field: "auth_protocol"},
		{name: "unknown priv", authProt: AuthSHA, authKey: "authpass1", privProt: "blowfish", privKey: "privpass1", field: "priv_protocol"},
		{name: "des3 unsupported", authProt: AuthSHA, authKey: "authpass1", privProt: Priv3DES, privKey: "privpass1", field: "priv_protocol"},
		{name: "priv without auth", privProt: PrivDES, privKey: "privpass1", field: "priv_protocol"},
		{name: "short auth key", authProt: AuthSHA, authKey: "short", field: "auth_key"},
		{name: "missing priv key", authProt: AuthSHA, authKey: "authpass1", privProt: PrivAES, field: "priv_key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			creds, err := NewUSMCredentials("admin", tt.authProt, tt.authKey, tt.privProt, tt.privKey)
			if tt.field != "" {
				var cfgErr *ConfigurationError
				require.ErrorAs(t, err, &cfgErr)
				assert.Equal(t, tt.field, cfgErr.Field)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, SchemeUSM, creds.Scheme())
			assert.Equal(t, gosnmp.Version3, creds.Version())
		})
	}

	_, err := NewUSMCredentials("", AuthNone, "", PrivNone, "")
	require.Error(t, err)
}

func TestUSMCredentials_Apply(t *testing.T) {
	t.Run("keys for none are dropped", func(t *testing.T) {
		creds, err := NewUSMCredentials("monitor", AuthNone, "leftover-key", PrivNone, "leftover-key")
		require.NoError(t, err)

		g := &gosnmp.GoSNMP{}
		creds.apply(g)
		assert.Equal(t, gosnmp.NoAuthNoPriv, g.MsgFlags)
		usm, ok := g.SecurityParameters.(*gosnmp.UsmSecurityParameters)
		require.True(t, ok)
		assert.Empty(t, usm.AuthenticationPassphrase)
		assert.Empty(t, usm.PrivacyPassphrase)
		assert.Equal(t, gosnmp.NoAuth, usm.AuthenticationProtocol)
	})

	t.Run("reeder and blumenthal variants", func(t *testing.T) {
		cases := map[PrivProtocol]gosnmp.SnmpV3PrivProtocol{
			PrivAES192:           gosnmp.AES192C,
			PrivAES256:           gosnmp.AES256C,
			PrivAESBlumenthal192: gosnmp.AES192,
			PrivAESBlumenthal256: gosnmp.AES256,
			PrivDES:              gosnmp.DES,
		}
		for sel, want := range cases {
			creds, err := NewUSMCredentials("admin", AuthSHA256, "authpass1", sel, "privpass1")
			require.NoError(t, err)

			g := &gosnmp.GoSNMP{}
			creds.apply(g)
			usm := g.SecurityParameters.(*gosnmp.UsmSecurityParameters)
			assert.Equal(t, want, usm.PrivacyProtocol, string(sel))
			assert.Equal(t, gosnmp.SHA256, usm.AuthenticationProtocol)
			assert.Equal(t, gosnmp.AuthPriv, g.MsgFlags)
			assert.Equal(t, gosnmp.UserSecurityModel, g.SecurityModel)
		}
	})

	t.Run("community", func(t *testing.T) {
		creds, err := NewCommunityCredentials("private", "1")
		require.NoError(t, err)
		g := &gosnmp.GoSNMP{}
		creds.apply(g)
		assert.Equal(t, "private", g.Community)
		assert.Equal(t, gosnmp.Version1, g.Version)
		assert.Nil(t, g.SecurityParameters)
	})
}

func TestCredentials_StringHidesSecrets(t *testing.T) {
	creds, err := NewUSMCredentials("admin", AuthSHA, "authpass1", PrivAES, "privpass1")
	require.NoError(t, err)
	s := creds.String()
	assert.NotContains(t, s, "authpass1")
	assert.NotContains(t, s, "privpass1")
	assert.Contains(t, s, "admin")
}
