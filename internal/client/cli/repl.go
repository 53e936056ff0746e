package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// printlnFn is a test seam for user-facing output. In tests, replace it with a stub.
var printlnFn = fmt.Println

// execIface defines the minimal command surface the REPL needs to operate.
// The real App type satisfies this interface; tests can provide a lightweight stub.
// Each handler receives the words typed after the command and prompts for
// whatever is missing.
type execIface interface {
	isRegistered() bool
	Register(ctx context.Context, args []string) error
	Unlock(ctx context.Context, args []string) error
	Whoami(ctx context.Context, args []string) error
	Sign(ctx context.Context, args []string) error
	List(ctx context.Context, args []string) error
	Show(ctx context.Context, args []string) error
	Validate(ctx context.Context, args []string) error
	Verify(ctx context.Context, args []string) error
	Delete(ctx context.Context, args []string) error
	Users(ctx context.Context, args []string) error
	Sync(ctx context.Context, args []string) error
	Save(ctx context.Context, args []string) error
}

// runREPL starts a simple read–eval–print loop for the crdtsign CLI.
//
// It reads a line from reader, parses the first token as the command, and
// dispatches to methods on 'a'. Unknown commands are reported back to the
// user. The loop exits on EOF, when ctx is done, or when the user types
// "exit" or "quit".
//
// Prompt & Commands
//
// The prompt shows the current status (from statusFn) and accepts commands:
//
//	Not registered:
//	  - help              show available commands
//	  - register [name]   create the local identity
//	  - list, show, validate, verify, users, sync, save
//	  - exit | quit       leave the program
//
//	Registered:
//	  - sign <path> [expiration]   sign a file (expiration as 2006-01-02 or 2006-01-02T15:04)
//	  - (l)ist                     list signatures
//	  - show <id>                  show one signature
//	  - validate <id>              check signature and expiration
//	  - verify <path> <sig> <key>  check any file against a signature (key: hex or user id)
//	  - delete <id>                remove a signature
//	  - users                      list published identities
//	  - whoami                     show the local identity
//	  - unlock                     load a passphrase-protected key
//	  - sync                       wait until the server has every local change
//	  - save                       write snapshots now
//	  - exit | quit
//
// Errors returned by handlers are printed and the loop continues.
func runREPL(ctx context.Context, a execIface, statusFn func() string, reader *bufio.Reader) {
	for {
		if ctx.Err() != nil {
			return
		}
		printlnFn(fmt.Sprintf("cs %s> ", statusFn()))
		line, err := reader.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return
		}
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		cmd, args := parts[0], parts[1:]

		var cmdErr error
		switch cmd {
		case "help":
			if a.isRegistered() {
				printlnFn("Available commands: sign, (l)ist, show, validate, verify, delete, users, whoami, unlock, sync, save, exit")
			} else {
				printlnFn("Available commands: register, (l)ist, show, validate, verify, users, sync, save, exit")
			}

		case "register":
			cmdErr = a.Register(ctx, args)

		case "unlock":
			cmdErr = a.Unlock(ctx, args)

		case "whoami":
			cmdErr = a.Whoami(ctx, args)

		case "sign":
			cmdErr = a.Sign(ctx, args)

		case "l", "list":
			cmdErr = a.List(ctx, args)

		case "show":
			cmdErr = a.Show(ctx, args)

		case "validate":
			cmdErr = a.Validate(ctx, args)

		case "verify":
			cmdErr = a.Verify(ctx, args)

		case "delete", "rm":
			cmdErr = a.Delete(ctx, args)

		case "users":
			cmdErr = a.Users(ctx, args)

		case "sync":
			cmdErr = a.Sync(ctx, args)

		case "save":
			cmdErr = a.Save(ctx, args)

		case "exit", "quit":
			printlnFn("Bye!")
			return

		default:
			printlnFn("Unknown command:", cmd)
		}

		if cmdErr != nil {
			printlnFn("Error:", cmdErr)
		}
		if err != nil {
			return
		}
	}
}
