package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

func withTmpConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	return filepath.Join(dir, "lendingdesk")
}

type fakeCaller struct {
	method string
	req    map[string]any
	resp   *structpb.Struct
	err    error
}

func (f *fakeCaller) Call(_ context.Context, method string, req map[string]any) (*structpb.Struct, error) {
	f.method, f.req = method, req
	if f.err != nil {
		return nil, f.err
	}
	if f.resp == nil {
		return &structpb.Struct{}, nil
	}
	return f.resp, nil
}

func mustCmd(t *testing.T, name string) command {
	t.Helper()
	c, ok := findCommand(name)
	if !ok {
		t.Fatalf("command %q missing", name)
	}
	return c
}

func Test_cfgDir_And_Paths(t *testing.T) {
	base := withTmpConfig(t)
	if got := cfgDir(); got != base {
		t.Fatalf("cfgDir=%q, want %q", got, base)
	}
	if !strings.HasPrefix(tokenPath(), base) || !strings.HasSuffix(tokenPath(), "token.json") {
		t.Fatalf("tokenPath unexpected: %s", tokenPath())
	}
}

func Test_token_SaveLoad(t *testing.T) {
	_ = withTmpConfig(t)

	if _, err := loadToken(); err == nil {
		t.Fatalf("expected error when token file missing")
	}
	if err := saveToken(tokenFile{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Minute)}); err != nil {
		t.Fatalf("saveToken: %v", err)
	}
	tok, err := loadToken()
	if err != nil || tok != "tok" {
		t.Fatalf("loadToken: tok=%q err=%v", tok, err)
	}
	if err := saveToken(tokenFile{AccessToken: "tok2", ExpiresAt: time.Now().Add(-time.Minute)}); err != nil {
		t.Fatalf("saveToken expired: %v", err)
	}
	if _, err := loadToken(); err == nil {
		t.Fatalf("want error for expired token")
	}
}

func Test_execute_LoginSavesToken(t *testing.T) {
	_ = withTmpConfig(t)

	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	resp, _ := structpb.NewStruct(map[string]any{
		"access_token": "T",
		"expires_at":   exp.Format(time.RFC3339),
		"borrower_id":  7,
		"staff":        true,
	})
	fc := &fakeCaller{resp: resp}
	var out bytes.Buffer
	if err := execute(context.Background(), fc, mustCmd(t, "login"), []string{"-k", "ann", "-s", "pw"}, &out); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if fc.method != "Login" || fc.req["credential_key"] != "ann" || fc.req["secret"] != "pw" {
		t.Fatalf("unexpected call %s %v", fc.method, fc.req)
	}
	tok, err := loadToken()
	if err != nil || tok != "T" {
		t.Fatalf("token not saved: %q %v", tok, err)
	}
	if !strings.Contains(out.String(), "borrower 7") {
		t.Fatalf("output: %s", out.String())
	}
}

func Test_execute_LoginWithoutToken(t *testing.T) {
	_ = withTmpConfig(t)
	fc := &fakeCaller{}
	err := execute(context.Background(), fc, mustCmd(t, "login"), []string{"-k", "a", "-s", "b"}, &bytes.Buffer{})
	if err == nil {
		t.Fatalf("want error for empty login response")
	}
}

func Test_execute_PrintsResponse(t *testing.T) {
	resp, _ := structpb.NewStruct(map[string]any{"state": "active"})
	fc := &fakeCaller{resp: resp}
	var out bytes.Buffer
	if err := execute(context.Background(), fc, mustCmd(t, "borrow"), []string{"-item", "5"}, &out); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if fc.method != "Borrow" || fc.req["item_id"] != int64(5) {
		t.Fatalf("unexpected call %s %v", fc.method, fc.req)
	}
	if _, has := fc.req["borrower_id"]; has {
		t.Fatalf("borrower_id should be omitted: %v", fc.req)
	}
	var got structpb.Struct
	if err := protojson.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.String())
	}
	if v := got.GetFields()["state"].GetStringValue(); v != "active" {
		t.Fatalf("state = %q, output: %s", v, out.String())
	}
}

func Test_execute_PropagatesRPCError(t *testing.T) {
	boom := errors.New("boom")
	fc := &fakeCaller{err: boom}
	err := execute(context.Background(), fc, mustCmd(t, "return"), []string{"-item", "1"}, &bytes.Buffer{})
	if !errors.Is(err, boom) {
		t.Fatalf("want boom, got %v", err)
	}
}

func Test_builders(t *testing.T) {
	t.Parallel()

	cases := []struct {
		cmd    string
		args   []string
		method string
		check  func(map[string]any) bool
	}{
		{"register", []string{"-k", "k", "-s", "s", "-staff"}, "RegisterBorrower",
			func(r map[string]any) bool { return r["staff"] == true }},
		{"borrow", []string{"-item", "3", "-borrower", "9", "-k", "key", "-s", "sec"}, "Borrow",
			func(r map[string]any) bool { return r["borrower_id"] == int64(9) && r["credential_key"] == "key" }},
		{"internal", []string{"-item", "4"}, "RegisterInternalUse",
			func(r map[string]any) bool { return r["item_id"] == int64(4) }},
		{"item-status", []string{"-item", "4", "-status", "reserved"}, "SetItemStatus",
			func(r map[string]any) bool { return r["status"] == "reserved" }},
		{"renew", []string{"-loan", "L"}, "RenewLoan",
			func(r map[string]any) bool { return r["loan_id"] == "L" }},
		{"renew", []string{"-loan", "L", "-preview"}, "PreviewRenew", nil},
		{"extend", []string{"-loan", "L", "-preview"}, "PreviewExtend", nil},
		{"extend", []string{"-loan", "L", "-borrower", "2"}, "ExtendLoan",
			func(r map[string]any) bool { return r["borrower_id"] == int64(2) }},
		{"nudge", []string{"-loan", "L"}, "Nudge", nil},
		{"impact", []string{"-loan", "L"}, "ApplyNudgeImpact", nil},
		{"loans", nil, "ListMyLoans",
			func(r map[string]any) bool { return r["filter"] == "all" }},
		{"loans", []string{"-all", "-filter", "active"}, "ListLoans",
			func(r map[string]any) bool { return r["filter"] == "active" }},
		{"loans", []string{"-borrower", "8"}, "ListLoans",
			func(r map[string]any) bool { return r["borrower_id"] == int64(8) }},
		{"policy", nil, "GetPolicy", nil},
		{"policy", []string{"-set", "max_renewals=3", "-set", "renewal_days=10"}, "UpdatePolicy",
			func(r map[string]any) bool { return r["max_renewals"] == int64(3) && r["renewal_days"] == int64(10) }},
	}
	for _, tc := range cases {
		c, ok := findCommand(tc.cmd)
		if !ok {
			t.Fatalf("command %q missing", tc.cmd)
		}
		m, req, err := c.build(tc.args)
		if err != nil {
			t.Fatalf("%s %v: %v", tc.cmd, tc.args, err)
		}
		if m != tc.method {
			t.Fatalf("%s %v: method=%s, want %s", tc.cmd, tc.args, m, tc.method)
		}
		if tc.check != nil && !tc.check(req) {
			t.Fatalf("%s %v: unexpected request %v", tc.cmd, tc.args, req)
		}
		if _, err := structpb.NewStruct(req); err != nil {
			t.Fatalf("%s: request not encodable: %v", tc.cmd, err)
		}
	}
}

func Test_builders_RejectMissingArgs(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		cmd  string
		args []string
	}{
		{"login", []string{"-k", "only"}},
		{"borrow", nil},
		{"return", nil},
		{"item-status", []string{"-item", "1"}},
		{"renew", nil},
		{"nudge", nil},
		{"policy", []string{"-set", "max_renewals"}},
		{"policy", []string{"-set", "max_renewals=x"}},
	} {
		c, _ := findCommand(tc.cmd)
		if _, _, err := c.build(tc.args); err == nil {
			t.Fatalf("%s %v: want error", tc.cmd, tc.args)
		}
	}
}

func Test_loadTLS_Variants(t *testing.T) {
	t.Parallel()

	creds, err := loadTLS("", true)
	if err != nil || creds == nil {
		t.Fatalf("insecure: %v %v", creds, err)
	}

	creds, err = loadTLS("", false)
	if err != nil || creds == nil {
		t.Fatalf("default tls: %v %v", creds, err)
	}

	tmp := filepath.Join(t.TempDir(), "bad.pem")
	_ = os.WriteFile(tmp, []byte("not pem"), 0o600)
	creds, err = loadTLS(tmp, false)
	if err == nil || creds != nil {
		t.Fatalf("bad CA should error, got creds=%v err=%v", creds, err)
	}
}

func Test_dial_Plaintext(t *testing.T) {
	t.Parallel()

	cc, err := dial(dialOpts{addr: "localhost:1", plaintext: true})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = cc.Close()
}
