// Command impagos works the unpaid-invoice ledger from a terminal, using
// the same configuration (.env, LEDGER_BACKEND, LOCK_BACKEND, ...) as the
// server.
//
// Commands:
//
//	sync            Import a delinquency export (and optional roster)
//	view            Print one of the five views, or write it as XLSX
//	badge           Print the pending-notification counts
//	pointer         Print the latest synced export date
//	history         Print a debtor's events and actions
//	log             Record an outreach step
//	hash-password   Print a bcrypt hash for the OPERATORS variable
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"cloud.google.com/go/civil"

	"github.com/sakif/frontdesk/internal/app"
	"github.com/sakif/frontdesk/internal/auth"
	"github.com/sakif/frontdesk/internal/config"
	"github.com/sakif/frontdesk/internal/model"
	"github.com/sakif/frontdesk/internal/service"
	"github.com/sakif/frontdesk/internal/snapshot"
	"github.com/sakif/frontdesk/internal/view"
)

// errUsage marks a bad invocation; the usage text has already been printed.
var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()

	switch {
	case err == nil:
	case errors.Is(err, errUsage):
		if err != errUsage {
			fmt.Fprintln(os.Stderr, "impagos:", err)
		}
		os.Exit(2)
	default:
		fmt.Fprintln(os.Stderr, "impagos:", err)
		os.Exit(1)
	}
}

type command struct {
	usage string
	run   func(ctx context.Context, a *app.App, args []string, out io.Writer) error
}

var commands = map[string]command{
	"sync":    {"sync -file export.csv [-roster clientes.xlsx]", cmdSync},
	"view":    {"view [-name actuales] [-date YYYY-MM-DD] [-xlsx out.xlsx]", cmdView},
	"badge":   {"badge", cmdBadge},
	"pointer": {"pointer", cmdPointer},
	"history": {"history -client 1234", cmdHistory},
	"log":     {"log -client 1234 -kind email -template aviso-1 -operator maria [-notes ...]", cmdLog},
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		printUsage(stderr)
		return errUsage
	}

	name, rest := args[0], args[1:]
	switch name {
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	case "hash-password":
		return hashPassword(stdin, stdout)
	}

	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "unknown command: %s\n\n", name)
		printUsage(stderr)
		return errUsage
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := cfg.NewLogger(stderr)

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("closing dependencies", slog.String("error", err.Error()))
		}
	}()

	if err := cmd.run(ctx, a, rest, stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		if errors.Is(err, errUsage) {
			fmt.Fprintln(stderr, "usage: impagos", cmd.usage)
		}
		return err
	}
	return nil
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  impagos <command> [options]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, name := range []string{"sync", "view", "badge", "pointer", "history", "log"} {
		fmt.Fprintln(w, "  "+commands[name].usage)
	}
	fmt.Fprintln(w, "  hash-password      reads a password from stdin")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Views: actuales, reincidentes, incidentes1, incidentes2, resueltos")
}

func newFlags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cmdSync(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	fs := newFlags("sync")
	file := fs.String("file", "", "delinquency export (CSV or XLSX)")
	roster := fs.String("roster", "", "client roster (CSV or XLSX)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("%w: -file is required", errUsage)
	}

	table, err := snapshot.ReadFile(*file)
	if err != nil {
		return err
	}
	var dir model.Directory
	if *roster != "" {
		rt, err := snapshot.ReadFile(*roster)
		if err != nil {
			return err
		}
		dir = a.Reconciler.Normalizer().LoadDirectory(rt)
	}

	date, n, err := a.Reconciler.Sync(ctx, table, dir)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "synced %d records for %s\n", n, date)
	return nil
}

func cmdView(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	fs := newFlags("view")
	name := fs.String("name", string(model.ViewCurrent), "view name")
	date := fs.String("date", "", "reference export date, default latest")
	xlsx := fs.String("xlsx", "", "write the view to this XLSX file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var ref *civil.Date
	if *date != "" {
		d, err := civil.ParseDate(*date)
		if err != nil {
			return fmt.Errorf("%w: -date %q is not YYYY-MM-DD", errUsage, *date)
		}
		ref = &d
	}

	res, err := a.Reconciler.FetchView(ctx, *name, ref)
	if err != nil {
		return err
	}

	if *xlsx != "" {
		f, err := os.Create(*xlsx)
		if err != nil {
			return err
		}
		w := bufio.NewWriter(f)
		if err := view.WriteXLSX(w, res.View, res.Rows, a.Reconciler.Location()); err != nil {
			f.Close()
			return err
		}
		if err := w.Flush(); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		fmt.Fprintf(out, "wrote %d rows to %s\n", len(res.Rows), *xlsx)
		return nil
	}
	return printJSON(out, res)
}

func cmdBadge(ctx context.Context, a *app.App, _ []string, out io.Writer) error {
	badge, err := a.Reconciler.PendingNotifications(ctx)
	if err != nil {
		return err
	}
	return printJSON(out, badge)
}

func cmdPointer(ctx context.Context, a *app.App, _ []string, out io.Writer) error {
	d, ok, err := a.Reconciler.Pointer(ctx)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(out, "no snapshot synced yet")
		return nil
	}
	fmt.Fprintln(out, d)
	return nil
}

func cmdHistory(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	fs := newFlags("history")
	client := fs.String("client", "", "client number")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *client == "" {
		return fmt.Errorf("%w: -client is required", errUsage)
	}

	hist, err := a.Reconciler.DebtorHistory(ctx, *client)
	if err != nil {
		return err
	}
	return printJSON(out, hist)
}

func cmdLog(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	fs := newFlags("log")
	var in service.LogActionInput
	fs.StringVar(&in.ClientID, "client", "", "client number")
	fs.StringVar(&in.Kind, "kind", model.ActionKindEmail, "email, whatsapp or call")
	fs.StringVar(&in.Template, "template", "", "message template name")
	fs.StringVar(&in.Operator, "operator", os.Getenv("USER"), "operator name")
	fs.StringVar(&in.Notes, "notes", "", "free-form notes")
	if err := fs.Parse(args); err != nil {
		return err
	}

	action, err := a.Reconciler.LogAction(ctx, in)
	if err != nil {
		return err
	}
	return printJSON(out, action)
}

// hashPassword reads one line from stdin so the password stays out of the
// shell history.
func hashPassword(stdin io.Reader, out io.Writer) error {
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	pw := strings.TrimRight(line, "\r\n")
	if pw == "" {
		return errors.New("empty password")
	}

	hash, err := auth.NewPasswordService().Hash(pw)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, hash)
	return nil
}
