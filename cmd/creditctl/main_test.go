package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"ghostcredit/config"
	"ghostcredit/native/credit"
)

func TestIssueToken(t *testing.T) {
	auth := config.AuthConfig{HMACSecret: "s", Issuer: "ghostcredit", Audience: "creditd"}
	now := time.Now()
	sub := "0x00000000000000000000000000000000000000ad"

	raw, err := issueToken(auth, sub, "credit:admin", time.Hour, now)
	require.NoError(t, err)

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) { return []byte("s"), nil },
		jwt.WithIssuer("ghostcredit"), jwt.WithAudience("creditd"))
	require.NoError(t, err)
	got, err := claims.GetSubject()
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress(sub).Hex(), got)
	require.Equal(t, "credit:admin", claims["scope"])

	_, err = issueToken(auth, "nope", "", time.Hour, now)
	require.Error(t, err)
	_, err = issueToken(config.AuthConfig{}, sub, "", time.Hour, now)
	require.Error(t, err)
	_, err = issueToken(auth, sub, "", 0, now)
	require.Error(t, err)
}

func TestRunAddress(t *testing.T) {
	var out bytes.Buffer
	owner := "0x0000000000000000000000000000000000000001"
	require.NoError(t, runAddress([]string{"-owner", owner, "-tag", "main"}, &out))
	require.Equal(t, credit.AccountAddress(common.HexToAddress(owner), "main").Hex(), strings.TrimSpace(out.String()))
}

func TestRunCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creditd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`[auth]
HMACSecret = "x"

[credit.CollateralRatios]
atom = "0.5"

[[vaults]]
Denom = "usdc"
CreditLimit = "1000"
`), 0o600))
	var out bytes.Buffer
	require.NoError(t, runCheck([]string{"-config", path}, &out))
	require.Contains(t, out.String(), "collateral=atom")
	require.Contains(t, out.String(), "vault usdc: target=0.8000 drift=accept")
}
