// Package cli wires config, the local database, a relay backend and the
// sync service into the relaysync command.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/okatkov/relaysync/internal/config"
	"github.com/okatkov/relaysync/internal/flagx"
	"github.com/okatkov/relaysync/internal/localdb"
	"github.com/okatkov/relaysync/internal/logging"
	"github.com/okatkov/relaysync/internal/relay"
	"github.com/okatkov/relaysync/internal/store"
	"github.com/okatkov/relaysync/internal/syncer"
)

const usage = `usage: relaysync <command> [flags]

commands:
  setup        initialize this device (creates or joins a relay)
  restore      configure this device from an existing relay
  status       show cursors and the device registry
  push         upload local changes (-force bypasses the rate limit)
  pull         download and apply remote changes
  sync         push then pull (-force bypasses the rate limit)
  snapshot     write a compacted encrypted snapshot to the relay
  rotate-key   re-key the relay under a new passphrase
  conflicts    list the conflict audit trail ("conflicts purge" clears it)
  purge        delete everything on the relay (-yes skips the prompt)
`

// localFlags are CLI-owned flags the config loader must ignore and vice
// versa.
var localFlags = []string{"-force", "-yes"}

// Run executes one subcommand and returns its error.
func Run(ctx context.Context) error {
	args := flagx.PositionalArgs(os.Args[1:], append(localFlags, config.FlagNames...))
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("no command given")
	}
	cmd := args[0]
	force := hasFlag("-force")

	cfg := config.LoadConfig()
	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))

	db, err := localdb.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	rl, err := relay.New(ctx, cfg)
	if err != nil {
		return err
	}

	st := store.New(db, logger)
	svc := syncer.NewService(db, rl, st, cfg, logger)

	switch cmd {
	case "setup":
		pass, err := readPassphrase("Passphrase: ")
		if err != nil {
			return err
		}
		if err := svc.Setup(ctx, pass); err != nil {
			return err
		}
		fmt.Println("device configured")
		return nil

	case "restore":
		pass, err := readPassphrase("Passphrase: ")
		if err != nil {
			return err
		}
		res, err := svc.Restore(ctx, pass)
		if err != nil {
			return err
		}
		fmt.Printf("restored: %d snapshot documents, %d change entries applied\n",
			res.SnapshotDocuments, res.Pull.Applied)
		return nil

	case "status":
		return printStatus(ctx, svc)

	case "push":
		if err := open(ctx, svc); err != nil {
			return err
		}
		res, err := svc.Push(ctx, force)
		if err != nil {
			return err
		}
		printPush(res)
		return nil

	case "pull":
		if err := open(ctx, svc); err != nil {
			return err
		}
		res, err := svc.Pull(ctx, -1)
		if err != nil {
			return err
		}
		printPull(res)
		return nil

	case "sync":
		if err := open(ctx, svc); err != nil {
			return err
		}
		res, err := svc.Sync(ctx, force)
		if err != nil {
			return err
		}
		printPush(res.Push)
		printPull(res.Pull)
		return nil

	case "snapshot":
		if err := open(ctx, svc); err != nil {
			return err
		}
		name, err := svc.Snapshot(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("snapshot written: %s\n", name)
		return nil

	case "rotate-key":
		if err := open(ctx, svc); err != nil {
			return err
		}
		newPass, err := readPassphrase("New passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := readPassphrase("Repeat new passphrase: ")
		if err != nil {
			return err
		}
		if string(newPass) != string(confirm) {
			return fmt.Errorf("passphrases do not match")
		}
		if err := svc.RotateKey(ctx, newPass); err != nil {
			return err
		}
		fmt.Println("key rotated; other devices must re-open with the new passphrase")
		return nil

	case "conflicts":
		if len(args) > 1 && args[1] == "purge" {
			if err := svc.PurgeConflicts(ctx); err != nil {
				return err
			}
			fmt.Println("conflict trail purged")
			return nil
		}
		return printConflicts(ctx, svc)

	case "purge":
		if !hasFlag("-yes") {
			ok, err := confirm("delete ALL relay data (manifest, changes, snapshots)? [y/N]: ")
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("aborted")
				return nil
			}
		}
		if err := svc.Purge(ctx); err != nil {
			return err
		}
		fmt.Println("relay purged")
		return nil

	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func open(ctx context.Context, svc *syncer.Service) error {
	pass, err := readPassphrase("Passphrase: ")
	if err != nil {
		return err
	}
	return svc.Open(ctx, pass)
}

func printStatus(ctx context.Context, svc *syncer.Service) error {
	st, err := svc.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("device:      %s (%s)\n", st.DisplayName, st.DeviceID)
	fmt.Printf("local seq:   %d\n", st.LocalSeq)
	fmt.Printf("pushed seq:  %d\n", st.PushedSeq)
	fmt.Printf("pending:     %d\n", st.Pending)
	if st.LastPushAt > 0 {
		fmt.Printf("last push:   %s\n", time.UnixMilli(st.LastPushAt).Format(time.RFC3339))
	}
	fmt.Printf("conflicts:   %d\n", st.Conflicts)
	return nil
}

func printPush(res *syncer.PushResult) {
	if res.Skipped {
		fmt.Println("push skipped by rate limit (use -force)")
		return
	}
	fmt.Printf("pushed %d entries (cursor %d/%d", res.Pushed, res.RelaySeq, res.LocalSeq)
	if res.Pending > 0 {
		fmt.Printf(", %d pending", res.Pending)
	}
	fmt.Println(")")
}

func printPull(res *syncer.PullResult) {
	fmt.Printf("pulled %d entries, applied %d, conflicts %d", res.Pulled, res.Applied, res.Conflicts)
	if res.Discarded > 0 {
		fmt.Printf(", discarded %d", res.Discarded)
	}
	if res.Pending > 0 {
		fmt.Printf(", %d pending", res.Pending)
	}
	fmt.Println()
}

func printConflicts(ctx context.Context, svc *syncer.Service) error {
	recs, err := svc.ListConflicts(ctx)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("no conflicts recorded")
		return nil
	}
	for _, rec := range recs {
		fmt.Printf("%s  %s/%s/%s  winner=%s loser=%s\n",
			time.UnixMilli(rec.ResolvedAt).Format(time.RFC3339),
			rec.Namespace, rec.Collection, rec.ItemID,
			rec.WinningDevice, rec.LosingDevice)
		if len(rec.LosingData) > 0 {
			fmt.Printf("  losing payload: %s\n", rec.LosingData)
		}
	}
	return nil
}

func hasFlag(name string) bool {
	for _, arg := range os.Args[1:] {
		if arg == name {
			return true
		}
	}
	return false
}

// confirm prompts on stderr and accepts only an explicit "y" or "yes".
func confirm(prompt string) (bool, error) {
	fmt.Fprint(os.Stderr, prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return false, fmt.Errorf("read confirmation: %w", err)
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

// readPassphrase prompts on stderr and reads without echo when stdin is a
// terminal; otherwise (pipes, scripts) it reads one line.
func readPassphrase(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		pass, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("read passphrase: %w", err)
		}
		if len(pass) == 0 {
			return nil, fmt.Errorf("empty passphrase")
		}
		return pass, nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	pass := strings.TrimRight(line, "\r\n")
	if pass == "" {
		return nil, fmt.Errorf("empty passphrase")
	}
	return []byte(pass), nil
}
