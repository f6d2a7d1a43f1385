package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"ghostcredit/config"
	"ghostcredit/native/credit"
)

const (
	tokenCommand   = "token"
	addressCommand = "account-address"
	checkCommand   = "check-config"
	defaultConfig  = "./creditd.toml"
)

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(1)
	}
	var err error
	switch os.Args[1] {
	case tokenCommand:
		err = runToken(os.Args[2:], os.Stdout)
	case addressCommand:
		err = runAddress(os.Args[2:], os.Stdout)
	case checkCommand:
		err = runCheck(os.Args[2:], os.Stdout)
	default:
		usage(os.Stderr)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(tokenCommand, flag.ContinueOnError)
	configPath := fs.String("config", defaultConfig, "Path to the creditd config file")
	subject := fs.String("sub", "", "Caller address placed in the token subject")
	scope := fs.String("scope", "", "Space separated scopes, e.g. credit:admin")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	token, err := issueToken(cfg.Auth, *subject, *scope, *ttl, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

// issueToken signs a bearer token accepted by a creditd using auth.
func issueToken(auth config.AuthConfig, subject, scope string, ttl time.Duration, now time.Time) (string, error) {
	addr, err := config.ParseAddress(subject)
	if err != nil {
		return "", fmt.Errorf("subject: %w", err)
	}
	if ttl <= 0 {
		return "", fmt.Errorf("ttl must be positive")
	}
	if strings.TrimSpace(auth.HMACSecret) == "" {
		return "", fmt.Errorf("config has no hmac secret")
	}
	claims := jwt.MapClaims{
		"sub": addr.Hex(),
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if auth.Issuer != "" {
		claims["iss"] = auth.Issuer
	}
	if auth.Audience != "" {
		claims["aud"] = auth.Audience
	}
	if s := strings.TrimSpace(scope); s != "" {
		claims["scope"] = s
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(strings.TrimSpace(auth.HMACSecret)))
}

func runAddress(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(addressCommand, flag.ContinueOnError)
	owner := fs.String("owner", "", "Owner address")
	tag := fs.String("tag", "", "Account tag")
	if err := fs.Parse(args); err != nil {
		return err
	}
	addr, err := config.ParseAddress(*owner)
	if err != nil {
		return fmt.Errorf("owner: %w", err)
	}
	fmt.Fprintln(out, credit.AccountAddress(addr, strings.TrimSpace(*tag)).Hex())
	return nil
}

func runCheck(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(checkCommand, flag.ContinueOnError)
	configPath := fs.String("config", defaultConfig, "Path to the creditd config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	params, err := cfg.Credit.Params()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "credit: adjust=%s liquidate=%s max_slip=%s collateral=%s\n",
		params.AdjustmentThreshold, params.LiquidationThreshold, params.MaxSlip,
		strings.Join(params.CollateralDenoms(), ","))
	fmt.Fprintf(out, "credit module address: %s\n", credit.ModuleAddress().Hex())
	for _, v := range cfg.Vaults {
		vp, err := v.Params()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "vault %s: target=%s drift=%s credit_limit=%q\n",
			v.Denom, vp.Interest.TargetUtilization.FloatString(4), vp.DriftPolicy, v.CreditLimit)
	}
	return nil
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "Usage: creditctl <%s|%s|%s> [flags]\n", tokenCommand, addressCommand, checkCommand)
}
