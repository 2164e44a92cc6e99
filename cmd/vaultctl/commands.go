package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/and161185/vaultkeeper/internal/autolock"
	"github.com/and161185/vaultkeeper/internal/errs"
	"github.com/and161185/vaultkeeper/internal/model"
	"github.com/and161185/vaultkeeper/internal/passgen"
	"github.com/and161185/vaultkeeper/internal/vault"
)

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]command{
	"status":       cmdStatus,
	"list":         cmdList,
	"show":         cmdShow,
	"add":          cmdAdd,
	"rm":           cmdRemove,
	"categories":   cmdCategories,
	"add-category": cmdAddCategory,
	"passwd":       cmdPasswd,
	"rename":       cmdRename,
	"backups":      cmdBackups,
	"restore":      cmdRestore,
	"quarantine":   cmdQuarantine,
	"shell":        cmdShell,
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func flags(name string, w io.Writer) (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(w)
	return fs, fs.StringP("user", "u", "", "vault identity")
}

// source identifies where an attempt came from for the throttle.
func source() string {
	host, err := os.Hostname()
	if err != nil {
		return "local"
	}
	return "local:" + host
}

// open authenticates identity with a PIN. A new vault asks for the PIN
// twice. The caller wipes the returned store.
func (a *app) open(ctx context.Context, identity string) (*vault.Store, error) {
	if identity == "" {
		return nil, &errs.ValidationError{Field: "user", Reason: "required (-u)"}
	}
	if err := vault.ValidateIdentity(identity); err != nil {
		return nil, err
	}
	st, err := a.keeper.CheckAttempt(ctx, identity)
	if err != nil {
		return nil, err
	}
	if !st.Allowed {
		return nil, st.Err()
	}

	exists := a.keeper.VaultExists(identity)
	read := a.in.secret
	if !exists {
		fmt.Fprintf(a.errw, "no vault for %q yet, a new one will be created\n", identity)
		read = a.in.confirmed
	}
	pin, err := read("PIN", envPIN)
	if err != nil {
		return nil, err
	}
	h, err := a.keeper.OpenVault(ctx, identity, pin, source())
	if err != nil {
		return nil, err
	}
	if state, reason := h.State(); state == vault.Unreadable {
		fmt.Fprintf(a.errw, "warning: vault file is unreadable (%v); run restore or quarantine\n", reason)
	}
	return h, nil
}

func cmdStatus(ctx context.Context, a *app, args []string) error {
	fs, user := flags("status", a.errw)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := vault.ValidateIdentity(*user); err != nil {
		return err
	}
	st, err := a.keeper.CheckAttempt(ctx, *user)
	if err != nil {
		return err
	}
	printJSON(a.out, map[string]any{
		"identity":           *user,
		"vault_exists":       a.keeper.VaultExists(*user),
		"vault_path":         vault.Path(a.cfg.VaultDir, *user),
		"allowed":            st.Allowed,
		"remaining_attempts": st.Remaining,
		"unlock_in_s":        st.SecondsUntilUnlock(),
	})
	return nil
}

func cmdList(ctx context.Context, a *app, args []string) error {
	fs, user := flags("list", a.errw)
	search := fs.StringP("search", "s", "", "match service, url, email or notes")
	category := fs.StringP("category", "c", model.AllCategories, "only this category")
	asJSON := fs.Bool("json", false, "print JSON without passwords")
	if err := fs.Parse(args); err != nil {
		return err
	}
	h, err := a.open(ctx, *user)
	if err != nil {
		return err
	}
	defer a.keeper.Wipe(h)

	list := a.keeper.ListEntries(h, *search, *category)
	if *asJSON {
		for i := range list {
			list[i].Password = ""
		}
		printJSON(a.out, list)
		return nil
	}
	writeTable(a.out, list)
	return nil
}

func writeTable(w io.Writer, list []model.PasswordEntry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tLOGIN\tCATEGORY\tMODIFIED")
	for _, e := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Service, e.Login, e.Category, time.Unix(e.ModifiedAt, 0).Format(time.DateTime))
	}
	_ = tw.Flush()
}

func cmdShow(ctx context.Context, a *app, args []string) error {
	fs, user := flags("show", a.errw)
	reveal := fs.Bool("reveal", false, "print the password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return &errs.ValidationError{Field: "service", Reason: "exactly one service expected"}
	}
	h, err := a.open(ctx, *user)
	if err != nil {
		return err
	}
	defer a.keeper.Wipe(h)

	e, ok := h.Entry(fs.Arg(0))
	if !ok {
		return fmt.Errorf("entry %q: %w", fs.Arg(0), errs.ErrNotFound)
	}
	if !*reveal {
		e.Password = strings.Repeat("*", 8)
	}
	printJSON(a.out, e)
	return nil
}

func cmdAdd(ctx context.Context, a *app, args []string) error {
	fs, user := flags("add", a.errw)
	in := vault.EntryInput{}
	fs.StringVar(&in.Service, "service", "", "service name (unique key)")
	fs.StringVar(&in.Login, "login", "", "login")
	fs.StringVar(&in.Password, "password", "", "password, prompted when empty")
	fs.StringVar(&in.Category, "category", "", "category (default "+model.DefaultCategory+")")
	for _, name := range []string{"url", "email", "phone", "notes"} {
		fs.String(name, "", name)
	}
	gen := fs.Bool("generate", false, "generate the password")
	length := fs.Int("length", passgen.DefaultLength, "generated password length")
	symbols := fs.Bool("symbols", false, "include symbols in the generated password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	for name, dst := range map[string]**string{"url": &in.URL, "email": &in.Email, "phone": &in.Phone, "notes": &in.Notes} {
		if fs.Changed(name) {
			v, _ := fs.GetString(name)
			*dst = model.Str(v)
		}
	}

	h, err := a.open(ctx, *user)
	if err != nil {
		return err
	}
	defer a.keeper.Wipe(h)

	switch {
	case *gen:
		pw, err := passgen.Generate(passgen.Options{Length: *length, Symbols: *symbols})
		if err != nil {
			return err
		}
		in.Password = pw
	case in.Password == "":
		s, err := a.in.secret("Entry password", "")
		if err != nil {
			return err
		}
		in.Password = string(s.Bytes())
		s.Release()
	}

	if err := a.keeper.SaveEntry(ctx, h, in); err != nil {
		return err
	}
	score := passgen.Strength(in.Password)
	fmt.Fprintf(a.errw, "saved %q (password strength: %s)\n", strings.TrimSpace(in.Service), passgen.Label(score))
	return nil
}

func cmdRemove(ctx context.Context, a *app, args []string) error {
	fs, user := flags("rm", a.errw)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return &errs.ValidationError{Field: "service", Reason: "exactly one service expected"}
	}
	h, err := a.open(ctx, *user)
	if err != nil {
		return err
	}
	defer a.keeper.Wipe(h)
	return a.keeper.DeleteEntry(ctx, h, fs.Arg(0))
}

func cmdCategories(ctx context.Context, a *app, args []string) error {
	fs, user := flags("categories", a.errw)
	if err := fs.Parse(args); err != nil {
		return err
	}
	h, err := a.open(ctx, *user)
	if err != nil {
		return err
	}
	defer a.keeper.Wipe(h)
	for _, c := range h.Categories() {
		fmt.Fprintln(a.out, c)
	}
	return nil
}

func cmdAddCategory(ctx context.Context, a *app, args []string) error {
	fs, user := flags("add-category", a.errw)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return &errs.ValidationError{Field: "category", Reason: "exactly one name expected"}
	}
	h, err := a.open(ctx, *user)
	if err != nil {
		return err
	}
	defer a.keeper.Wipe(h)
	return a.keeper.AddCategory(ctx, h, fs.Arg(0))
}

func cmdPasswd(ctx context.Context, a *app, args []string) error {
	fs, user := flags("passwd", a.errw)
	if err := fs.Parse(args); err != nil {
		return err
	}
	h, err := a.open(ctx, *user)
	if err != nil {
		return err
	}
	defer a.keeper.Wipe(h)

	next, err := a.in.confirmed("New PIN", envNewPIN)
	if err != nil {
		return err
	}
	if err := a.keeper.ChangeSecret(ctx, h, next); err != nil {
		return err
	}
	fmt.Fprintln(a.errw, "PIN changed")
	return nil
}

func cmdRename(ctx context.Context, a *app, args []string) error {
	fs, user := flags("rename", a.errw)
	to := fs.String("to", "", "new identity")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := vault.ValidateIdentity(*to); err != nil {
		return err
	}
	h, err := a.open(ctx, *user)
	if err != nil {
		return err
	}
	defer a.keeper.Wipe(h)
	if err := a.keeper.ChangeIdentity(ctx, h, *to); err != nil {
		return err
	}
	fmt.Fprintf(a.errw, "vault moved to %s\n", h.Path())
	return nil
}

func cmdBackups(ctx context.Context, a *app, args []string) error {
	fs, user := flags("backups", a.errw)
	if err := fs.Parse(args); err != nil {
		return err
	}
	h, err := a.open(ctx, *user)
	if err != nil {
		return err
	}
	defer a.keeper.Wipe(h)

	list, err := h.Backups()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIMESTAMP\tWRITTEN\tFILE")
	for _, b := range list {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", b.Timestamp, b.ModTime.Format(time.DateTime), b.Path)
	}
	return tw.Flush()
}

func cmdRestore(ctx context.Context, a *app, args []string) error {
	fs, user := flags("restore", a.errw)
	ts := fs.Int64("ts", 0, "snapshot timestamp (default newest)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	h, err := a.open(ctx, *user)
	if err != nil {
		return err
	}
	defer a.keeper.Wipe(h)
	if err := a.keeper.RestoreBackup(ctx, h, *ts); err != nil {
		return err
	}
	fmt.Fprintf(a.errw, "restored %d entries\n", len(h.Entries()))
	return nil
}

func cmdQuarantine(ctx context.Context, a *app, args []string) error {
	fs, user := flags("quarantine", a.errw)
	if err := fs.Parse(args); err != nil {
		return err
	}
	h, err := a.open(ctx, *user)
	if err != nil {
		return err
	}
	defer a.keeper.Wipe(h)
	dst, err := h.Quarantine()
	if err != nil {
		return err
	}
	fmt.Fprintf(a.errw, "unreadable vault moved to %s\n", dst)
	return nil
}

func cmdGen(args []string, w io.Writer) error {
	fs := pflag.NewFlagSet("gen", pflag.ContinueOnError)
	length := fs.IntP("length", "n", passgen.DefaultLength, "password length")
	symbols := fs.Bool("symbols", false, "include symbols")
	if err := fs.Parse(args); err != nil {
		return err
	}
	pw, err := passgen.Generate(passgen.Options{Length: *length, Symbols: *symbols})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s\t%s\n", pw, passgen.Label(passgen.Strength(pw)))
	return nil
}

// cmdShell keeps one vault open and answers read commands until quit, EOF
// or the auto-lock fires.
func cmdShell(ctx context.Context, a *app, args []string) error {
	fs, user := flags("shell", a.errw)
	if err := fs.Parse(args); err != nil {
		return err
	}
	h, err := a.open(ctx, *user)
	if err != nil {
		return err
	}
	defer a.keeper.Wipe(h)

	lock := autolock.New(a.cfg.AutoLock, func() {
		a.keeper.Wipe(h)
		a.log.Info("auto-lock fired", zap.Duration("idle", a.cfg.AutoLock))
	})
	defer lock.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := a.in.line(">")
		if errors.Is(err, errNoInput) {
			return nil
		}
		if err != nil {
			return err
		}
		if h.Wiped() {
			fmt.Fprintln(a.errw, "vault locked after inactivity")
			return errs.ErrWiped
		}
		lock.Touch()

		f := strings.Fields(line)
		if len(f) == 0 {
			continue
		}
		switch f[0] {
		case "quit", "exit":
			return nil
		case "list":
			writeTable(a.out, a.keeper.ListEntries(h, strings.Join(f[1:], " "), model.AllCategories))
		case "categories":
			fmt.Fprintln(a.out, strings.Join(h.Categories(), "\n"))
		case "show":
			e, ok := h.Entry(strings.Join(f[1:], " "))
			if !ok {
				fmt.Fprintln(a.errw, "not found")
				continue
			}
			printJSON(a.out, e)
		default:
			fmt.Fprintln(a.errw, "commands: list [text], show <service>, categories, quit")
		}
	}
}
