package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dmitrijs2005/crdtsign/internal/client/models"
	"github.com/dmitrijs2005/crdtsign/internal/cryptox"
	"github.com/dmitrijs2005/crdtsign/internal/retention"
)

const timeLayout = "2006-01-02 15:04"

// argOrPrompt returns args[0] or asks for it.
func (a *App) argOrPrompt(args []string, prompt string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	v, err := GetSimpleText(a.reader, prompt, a.out)
	if err != nil {
		return "", err
	}
	if v == "" {
		return "", errors.New("nothing entered")
	}
	return v, nil
}

func (a *App) Register(ctx context.Context, args []string) error {
	name, err := a.argOrPrompt(args, "Choose a username")
	if err != nil {
		return err
	}
	pass, err := GetPassphrase(a.out, "Passphrase for the signing key (empty for none)")
	if err != nil {
		return err
	}
	defer wipe(pass)

	p, err := a.svc.RegisterUser(ctx, name, pass)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Registered %s as %s\n", p.Username, p.UserID)
	return nil
}

func (a *App) Unlock(ctx context.Context, _ []string) error {
	pass, err := GetPassphrase(a.out, "Passphrase")
	if err != nil {
		return err
	}
	defer wipe(pass)

	if err := a.svc.Unlock(pass); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "Signing key unlocked")
	return nil
}

func (a *App) Whoami(ctx context.Context, _ []string) error {
	p, ok := a.svc.Profile()
	if !ok {
		fmt.Fprintln(a.out, "Not registered. Use 'register'.")
		return nil
	}
	fmt.Fprintf(a.out, "User:       %s\nID:         %s\nRegistered: %s\n",
		p.Username, p.UserID, p.RegistrationDate.Local().Format(timeLayout))
	if pub, err := a.svc.GetPublicKey(p.UserID); err == nil {
		if key, err := cryptox.ParsePublicKey(pub); err == nil {
			fmt.Fprintf(a.out, "Key:        %s\n", cryptox.Fingerprint(key))
		}
	}
	return nil
}

// Sign takes a path and an optional expiration: sign <path> [date].
func (a *App) Sign(ctx context.Context, args []string) error {
	path, err := a.argOrPrompt(args, "Path of the file to sign")
	if err != nil {
		return err
	}

	var rawDate string
	if len(args) > 1 {
		rawDate = strings.Join(args[1:], " ")
	} else if len(args) == 0 {
		if rawDate, err = GetSimpleText(a.reader, "Expiration date (empty for none)", a.out); err != nil {
			return err
		}
	}
	exp, err := ParseDate(rawDate)
	if err != nil {
		return err
	}

	r, err := a.svc.SignFile(ctx, path, exp)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Signed %s\nID:        %s\nSignature: %s\n", r.FileName, r.ID, r.Signature)
	return nil
}

func (a *App) expiresColumn(r models.SignatureRecord) string {
	res := a.svc.EvaluateRetention(r, a.svc.Policy(), a.nowFunc())
	if res.Effective == nil {
		return "-"
	}
	s := retention.Humanize(*res.Effective, a.nowFunc())
	if res.Overridden {
		s += " (retention)"
	}
	return s
}

func (a *App) List(ctx context.Context, _ []string) error {
	rs := a.svc.ListRecords()
	if len(rs) == 0 {
		fmt.Fprintln(a.out, "No signatures.")
		return nil
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFILE\tSIGNED BY\tSIGNED ON\tEXPIRES")
	for _, r := range rs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.FileName, r.DisplayName(), r.SignedOn.Local().Format(timeLayout), a.expiresColumn(r))
	}
	return tw.Flush()
}

func (a *App) Show(ctx context.Context, args []string) error {
	id, err := a.argOrPrompt(args, "Record id")
	if err != nil {
		return err
	}
	r, err := a.svc.GetRecord(id)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "ID:         %s\nFile:       %s\nHash:       %s\nSignature:  %s\nSigned by:  %s (%s)\nSigned on:  %s\n",
		r.ID, r.FileName, r.FileHash, r.Signature, r.DisplayName(), r.UserID, r.SignedOn.Local().Format(time.RFC3339))
	if r.ExpirationDate != nil {
		fmt.Fprintf(a.out, "Expiration: %s\n", r.ExpirationDate.Local().Format(time.RFC3339))
	}
	if r.RetentionExpiration != nil {
		fmt.Fprintf(a.out, "Retention:  %s (%s)\n",
			r.RetentionExpiration.Local().Format(time.RFC3339), retention.Humanize(*r.RetentionExpiration, a.nowFunc()))
	}
	return nil
}

func (a *App) Validate(ctx context.Context, args []string) error {
	id, err := a.argOrPrompt(args, "Record id")
	if err != nil {
		return err
	}
	v, err := a.svc.ValidateRecord(id)
	if err != nil {
		return err
	}
	verdict := "VALID"
	if !v.Valid {
		verdict = "INVALID"
	}
	fmt.Fprintf(a.out, "%s: %s\n", verdict, v.Message)
	return nil
}

func argsFrom(args []string, i int) []string {
	if len(args) > i {
		return args[i:]
	}
	return nil
}

// Verify checks any file against a signature and a signer key, the key
// given as hex or as a published user id: verify <path> <sig> <key|user>.
func (a *App) Verify(ctx context.Context, args []string) error {
	path, err := a.argOrPrompt(args, "Path of the file to verify")
	if err != nil {
		return err
	}
	sig, err := a.argOrPrompt(argsFrom(args, 1), "Signature (hex)")
	if err != nil {
		return err
	}
	key, err := a.argOrPrompt(argsFrom(args, 2), "Public key (hex) or user id")
	if err != nil {
		return err
	}
	if _, perr := cryptox.ParsePublicKey(key); perr != nil {
		if pub, err := a.svc.GetPublicKey(key); err == nil {
			key = pub
		}
	}

	ok, err := a.svc.VerifyFile(path, sig, key)
	if err != nil {
		return err
	}
	if ok {
		fmt.Fprintln(a.out, "VERIFIED: signature matches the file and key")
	} else {
		fmt.Fprintln(a.out, "NOT VERIFIED: signature does not match the file and key")
	}
	return nil
}

func (a *App) Delete(ctx context.Context, args []string) error {
	id, err := a.argOrPrompt(args, "Record id to delete")
	if err != nil {
		return err
	}
	if err := a.svc.RemoveRecord(ctx, id); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "Deleted", id)
	return nil
}

func (a *App) Users(ctx context.Context, _ []string) error {
	us := a.svc.ListUsers()
	if len(us) == 0 {
		fmt.Fprintln(a.out, "No users.")
		return nil
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tKEY\tSINCE")
	for _, u := range us {
		fp := "?"
		if key, err := cryptox.ParsePublicKey(u.PublicKey); err == nil {
			fp = cryptox.Fingerprint(key)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", u.ID, u.Name, fp, u.CreatedOn.Local().Format(timeLayout))
	}
	return tw.Flush()
}

// Sync waits until the server has acknowledged every local change.
func (a *App) Sync(ctx context.Context, _ []string) error {
	ctx, cancel := context.WithTimeout(ctx, a.config.ConnectTimeout)
	defer cancel()
	if !a.svc.Connected() {
		if err := a.connect(ctx); err != nil {
			return err
		}
	}
	select {
	case <-a.svc.Synced():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := a.svc.Flush(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "In sync with", a.config.ServerEndpointAddr)
	return nil
}

func (a *App) Save(ctx context.Context, _ []string) error {
	if err := a.svc.Persist(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "Saved")
	return nil
}
