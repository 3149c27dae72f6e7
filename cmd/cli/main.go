// Command ldctl is a CLI client for the lending desk service.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	grpcserver "github.com/and161185/lendingdesk/internal/server/grpc"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ---- config/token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	BorrowerID  int64     `json:"borrower_id"`
	Staff       bool      `json:"staff"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "lendingdesk")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "lendingdesk")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func saveToken(tf tokenFile) error {
	if err := os.MkdirAll(cfgDir(), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(tokenPath(), b, 0o600)
}

func loadToken() (string, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return "", err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return "", err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return "", errors.New("no valid token (login required)")
	}
	return tf.AccessToken, nil
}

// tokenFromLogin reads the Login response fields.
func tokenFromLogin(out *structpb.Struct) (tokenFile, error) {
	f := out.GetFields()
	tf := tokenFile{
		AccessToken: f["access_token"].GetStringValue(),
		BorrowerID:  int64(f["borrower_id"].GetNumberValue()),
		Staff:       f["staff"].GetBoolValue(),
	}
	if tf.AccessToken == "" {
		return tokenFile{}, errors.New("login response has no access token")
	}
	exp, err := time.Parse(time.RFC3339, f["expires_at"].GetStringValue())
	if err != nil {
		return tokenFile{}, fmt.Errorf("login response expires_at: %w", err)
	}
	tf.ExpiresAt = exp
	return tf, nil
}

// ---- grpc dial ----

func loadTLS(caPath string, skipVerify bool) (credentials.TransportCredentials, error) {
	if skipVerify {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

type dialOpts struct {
	addr       string
	caPath     string
	skipVerify bool
	plaintext  bool
}

func dial(o dialOpts) (*grpc.ClientConn, error) {
	var creds credentials.TransportCredentials
	if o.plaintext {
		creds = insecure.NewCredentials()
	} else {
		var err error
		if creds, err = loadTLS(o.caPath, o.skipVerify); err != nil {
			return nil, err
		}
	}
	return grpc.NewClient(o.addr, grpc.WithTransportCredentials(creds))
}

// ---- commands ----

// caller is satisfied by grpcserver.Client.
type caller interface {
	Call(ctx context.Context, method string, req map[string]any) (*structpb.Struct, error)
}

type command struct {
	name  string
	usage string
	// public commands run without a saved token
	public bool
	build  func(args []string) (method string, req map[string]any, err error)
}

var commands = []command{
	{name: "login", usage: "-k <key> -s <secret>            (saves token)", public: true, build: buildCredential("Login", false)},
	{name: "register", usage: "-k <key> -s <secret> [-staff]   (staff only)", build: buildCredential("RegisterBorrower", true)},
	{name: "borrow", usage: "-item <id> [-borrower <id>] [-k <key> -s <secret>]", build: buildBorrow},
	{name: "return", usage: "-item <id>                      (staff only)", build: buildItem("ReturnItem")},
	{name: "internal", usage: "-item <id>                      (staff only)", build: buildItem("RegisterInternalUse")},
	{name: "item-status", usage: "-item <id> -status <status>     (staff only)", build: buildItemStatus},
	{name: "renew", usage: "-loan <uuid> [-borrower <id>] [-preview]", build: buildLoanOp("RenewLoan", "PreviewRenew")},
	{name: "extend", usage: "-loan <uuid> [-borrower <id>] [-preview]", build: buildLoanOp("ExtendLoan", "PreviewExtend")},
	{name: "nudge", usage: "-loan <uuid>", build: buildLoanID("Nudge")},
	{name: "impact", usage: "-loan <uuid>                    (staff only)", build: buildLoanID("ApplyNudgeImpact")},
	{name: "loans", usage: "[-filter active|returned|all] [-all | -borrower <id>]", build: buildLoans},
	{name: "policy", usage: "[-set name=value ...]           (set is staff only)", build: buildPolicy},
}

func findCommand(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func buildCredential(method string, withStaff bool) func([]string) (string, map[string]any, error) {
	return func(args []string) (string, map[string]any, error) {
		fs := flag.NewFlagSet(method, flag.ContinueOnError)
		k := fs.String("k", "", "credential key")
		s := fs.String("s", "", "secret")
		staff := fs.Bool("staff", false, "grant staff role")
		if err := fs.Parse(args); err != nil {
			return "", nil, err
		}
		if *k == "" || *s == "" {
			return "", nil, errors.New("need -k and -s")
		}
		req := map[string]any{"credential_key": *k, "secret": *s}
		if withStaff && *staff {
			req["staff"] = true
		}
		return method, req, nil
	}
}

func buildBorrow(args []string) (string, map[string]any, error) {
	fs := flag.NewFlagSet("borrow", flag.ContinueOnError)
	item := fs.Int64("item", 0, "item id")
	borrower := fs.Int64("borrower", 0, "borrower id (staff only)")
	k := fs.String("k", "", "borrower credential key")
	s := fs.String("s", "", "borrower secret")
	if err := fs.Parse(args); err != nil {
		return "", nil, err
	}
	if *item <= 0 {
		return "", nil, errors.New("need -item")
	}
	req := map[string]any{"item_id": *item}
	if *borrower > 0 {
		req["borrower_id"] = *borrower
	}
	if *k != "" {
		req["credential_key"] = *k
		req["secret"] = *s
	}
	return "Borrow", req, nil
}

func buildItem(method string) func([]string) (string, map[string]any, error) {
	return func(args []string) (string, map[string]any, error) {
		fs := flag.NewFlagSet(method, flag.ContinueOnError)
		item := fs.Int64("item", 0, "item id")
		if err := fs.Parse(args); err != nil {
			return "", nil, err
		}
		if *item <= 0 {
			return "", nil, errors.New("need -item")
		}
		return method, map[string]any{"item_id": *item}, nil
	}
}

func buildItemStatus(args []string) (string, map[string]any, error) {
	fs := flag.NewFlagSet("item-status", flag.ContinueOnError)
	item := fs.Int64("item", 0, "item id")
	st := fs.String("status", "", "available|reserved")
	if err := fs.Parse(args); err != nil {
		return "", nil, err
	}
	if *item <= 0 || *st == "" {
		return "", nil, errors.New("need -item and -status")
	}
	return "SetItemStatus", map[string]any{"item_id": *item, "status": *st}, nil
}

func buildLoanOp(method, preview string) func([]string) (string, map[string]any, error) {
	return func(args []string) (string, map[string]any, error) {
		fs := flag.NewFlagSet(method, flag.ContinueOnError)
		loan := fs.String("loan", "", "loan id")
		borrower := fs.Int64("borrower", 0, "borrower id (staff only)")
		dry := fs.Bool("preview", false, "show the outcome without applying it")
		if err := fs.Parse(args); err != nil {
			return "", nil, err
		}
		if *loan == "" {
			return "", nil, errors.New("need -loan")
		}
		req := map[string]any{"loan_id": *loan}
		if *borrower > 0 {
			req["borrower_id"] = *borrower
		}
		if *dry {
			return preview, req, nil
		}
		return method, req, nil
	}
}

func buildLoanID(method string) func([]string) (string, map[string]any, error) {
	return func(args []string) (string, map[string]any, error) {
		fs := flag.NewFlagSet(method, flag.ContinueOnError)
		loan := fs.String("loan", "", "loan id")
		if err := fs.Parse(args); err != nil {
			return "", nil, err
		}
		if *loan == "" {
			return "", nil, errors.New("need -loan")
		}
		return method, map[string]any{"loan_id": *loan}, nil
	}
}

func buildLoans(args []string) (string, map[string]any, error) {
	fs := flag.NewFlagSet("loans", flag.ContinueOnError)
	filter := fs.String("filter", "all", "active|returned|all")
	all := fs.Bool("all", false, "every borrower (staff only)")
	borrower := fs.Int64("borrower", 0, "one borrower (staff only)")
	if err := fs.Parse(args); err != nil {
		return "", nil, err
	}
	req := map[string]any{"filter": *filter}
	switch {
	case *borrower > 0:
		req["borrower_id"] = *borrower
		return "ListLoans", req, nil
	case *all:
		return "ListLoans", req, nil
	}
	return "ListMyLoans", req, nil
}

func buildPolicy(args []string) (string, map[string]any, error) {
	fs := flag.NewFlagSet("policy", flag.ContinueOnError)
	set := map[string]any{}
	fs.Func("set", "name=value policy override (repeatable)", func(v string) error {
		name, raw, ok := strings.Cut(v, "=")
		if !ok || name == "" {
			return fmt.Errorf("want name=value, got %q", v)
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		set[name] = n
		return nil
	})
	if err := fs.Parse(args); err != nil {
		return "", nil, err
	}
	if len(set) == 0 {
		return "GetPolicy", map[string]any{}, nil
	}
	return "UpdatePolicy", set, nil
}

// execute runs one command against c and writes the response to out.
func execute(ctx context.Context, c caller, cmd command, args []string, out io.Writer) error {
	method, req, err := cmd.build(args)
	if err != nil {
		return err
	}
	resp, err := c.Call(ctx, method, req)
	if err != nil {
		return err
	}
	if method == "Login" {
		tf, err := tokenFromLogin(resp)
		if err != nil {
			return err
		}
		if err := saveToken(tf); err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "ok (borrower %d, staff=%v, expires %s)\n",
			tf.BorrowerID, tf.Staff, tf.ExpiresAt.Format(time.RFC3339))
		return err
	}
	return printStruct(out, resp)
}

// ---- utils ----

func printStruct(w io.Writer, s *structpb.Struct) error {
	b, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(s)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func usage() {
	fmt.Fprintf(os.Stderr, `ldctl CLI
Usage:
  ldctl -addr HOST:PORT [-cacert file | -insecure | -plaintext] <cmd> [args]

Commands:
  version
`)
	names := make([]string, 0, len(commands))
	for _, c := range commands {
		names = append(names, fmt.Sprintf("  %-12s %s", c.name, c.usage))
	}
	sort.Strings(names)
	fmt.Fprintln(os.Stderr, strings.Join(names, "\n"))
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands and configures TLS/auth for RPC calls.
func main() {
	addr := flag.String("addr", "localhost:8443", "server addr")
	caPath := flag.String("cacert", "", "CA cert (PEM)")
	skipVerify := flag.Bool("insecure", false, "skip cert verify (dev)")
	plaintext := flag.Bool("plaintext", false, "no TLS (dev server)")
	timeout := flag.Duration("timeout", 30*time.Second, "request timeout")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	name := flag.Arg(0)
	if name == "version" {
		fmt.Printf("ldctl %s (%s)\n", version, buildDate)
		return
	}
	cmd, ok := findCommand(name)
	if !ok {
		usage()
	}

	var token string
	if !cmd.public {
		var err error
		if token, err = loadToken(); err != nil {
			fail(err)
		}
	}

	cc, err := dial(dialOpts{addr: *addr, caPath: *caPath, skipVerify: *skipVerify, plaintext: *plaintext})
	if err != nil {
		fail(err)
	}
	defer cc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := execute(ctx, grpcserver.NewClient(cc, token), cmd, flag.Args()[1:], os.Stdout); err != nil {
		cancel()
		_ = cc.Close()
		fail(err)
	}
}

func fail(err error) {
	if s, ok := status.FromError(err); ok {
		fmt.Fprintf(os.Stderr, "rpc error: code=%s msg=%s\n", s.Code(), s.Message())
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
