package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/lfinteractive/rhinodb/internal/database"
	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"
)

const commandHelp = `commands:
  create <name>                  create a database and print its id
  list [-format text|json|yaml]  list databases
  show [-format text|json|yaml] <id|name>
                                 print the manifest of a database
  rename <id|name> <new name>    rename a database
  delete <id|name>               delete a database
  lookup <id|name>               print the id and name of a database
  schema                         print the JSON Schemas of the manifests
  shell                          read commands from stdin
`

const shellHelp = `  flush [id|name]                write pending changes now
  help                           print this help
  quit                           flush and exit
`

var errUsage = errors.New("invalid usage")

// run executes one command.
func run(ctx context.Context, svc *database.Service, args []string, stdin io.Reader, w io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: missing command", errUsage)
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "create":
		return cmdCreate(ctx, svc, rest, w)
	case "list":
		return cmdList(ctx, svc, rest, w)
	case "show":
		return cmdShow(ctx, svc, rest, w)
	case "rename":
		return cmdRename(ctx, svc, rest, w)
	case "delete":
		return cmdDelete(ctx, svc, rest, w)
	case "lookup":
		return cmdLookup(ctx, svc, rest, w)
	case "schema":
		return cmdSchema(rest, w)
	case "shell":
		return cmdShell(ctx, svc, stdin, w, isTerminal(stdin))
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func wantArgs(cmd string, args []string, n int) error {
	if len(args) != n {
		return fmt.Errorf("%w: %s expects %d argument(s), got %d", errUsage, cmd, n, len(args))
	}
	return nil
}

func cmdCreate(ctx context.Context, svc *database.Service, args []string, w io.Writer) error {
	if err := wantArgs("create", args, 1); err != nil {
		return err
	}
	d, err := svc.Create(ctx, args[0])
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, d.ID())
	return err
}

func parseFormat(cmd string, args []string) (string, []string, error) {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	format := fs.String("format", "text", "Output format (text, json, yaml)")
	if err := fs.Parse(args); err != nil {
		return "", nil, fmt.Errorf("%w: %v", errUsage, err)
	}
	switch *format {
	case "text", "json", "yaml":
		return *format, fs.Args(), nil
	default:
		return "", nil, fmt.Errorf("%w: unknown format %q", errUsage, *format)
	}
}

func encode(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unsupported format %q", format)
}

func cmdList(ctx context.Context, svc *database.Service, args []string, w io.Writer) error {
	format, rest, err := parseFormat("list", args)
	if err != nil {
		return err
	}
	if err := wantArgs("list", rest, 0); err != nil {
		return err
	}
	list, err := svc.List(ctx)
	if err != nil {
		return err
	}
	if format != "text" {
		return encode(w, format, list)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, s := range list {
		state := ""
		if !s.Registered {
			state = "pending"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.ID, s.Name, state)
	}
	return tw.Flush()
}

// manifestView is the printable form of a database.
type manifestView struct {
	database.Manifest `yaml:",inline"`
	Dirty             bool   `json:"dirty" yaml:"dirty"`
	Path              string `json:"path" yaml:"path"`
}

func cmdShow(ctx context.Context, svc *database.Service, args []string, w io.Writer) error {
	format, rest, err := parseFormat("show", args)
	if err != nil {
		return err
	}
	if err := wantArgs("show", rest, 1); err != nil {
		return err
	}
	d, err := svc.Resolve(ctx, rest[0])
	if err != nil {
		return err
	}
	v := manifestView{Manifest: d.Manifest(), Dirty: d.Dirty(), Path: d.ManifestPath()}
	if format != "text" {
		return encode(w, format, v)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
	fmt.Fprintf(tw, "id:\t%s\n", v.ID)
	fmt.Fprintf(tw, "name:\t%s\n", v.Name)
	fmt.Fprintf(tw, "created:\t%s\n", v.Created)
	fmt.Fprintf(tw, "last modified:\t%s\n", v.Modified)
	fmt.Fprintf(tw, "dirty:\t%t\n", v.Dirty)
	fmt.Fprintf(tw, "path:\t%s\n", v.Path)
	return tw.Flush()
}

// resolveID returns the identifier referred to by ref. Unlike Resolve it
// also accepts registry entries whose manifest is missing.
func resolveID(ctx context.Context, svc *database.Service, ref string) (uuid.UUID, error) {
	if id, err := database.ParseID(ref); err == nil {
		if _, err := svc.LookupName(ctx, id); err == nil {
			return id, nil
		}
		if _, err := svc.Get(ctx, id); err == nil {
			return id, nil
		}
	}
	return svc.LookupID(ctx, ref)
}

func cmdRename(ctx context.Context, svc *database.Service, args []string, w io.Writer) error {
	if err := wantArgs("rename", args, 2); err != nil {
		return err
	}
	id, err := resolveID(ctx, svc, args[0])
	if err != nil {
		return err
	}
	if err := svc.Rename(ctx, id, args[1]); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s %s\n", id, args[1])
	return err
}

func cmdDelete(ctx context.Context, svc *database.Service, args []string, w io.Writer) error {
	if err := wantArgs("delete", args, 1); err != nil {
		return err
	}
	id, err := resolveID(ctx, svc, args[0])
	if err != nil {
		return err
	}
	if err := svc.Delete(ctx, id); err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, id)
	return err
}

func cmdLookup(ctx context.Context, svc *database.Service, args []string, w io.Writer) error {
	if err := wantArgs("lookup", args, 1); err != nil {
		return err
	}
	id, err := resolveID(ctx, svc, args[0])
	if err != nil {
		return err
	}
	name, err := svc.LookupName(ctx, id)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s %s\n", id, name)
	return err
}

func cmdSchema(args []string, w io.Writer) error {
	if err := wantArgs("schema", args, 0); err != nil {
		return err
	}
	return encode(w, "json", map[string]any{
		"manifest": database.ManifestSchema(),
		"registry": database.RegistrySchema(),
	})
}

func cmdFlush(ctx context.Context, svc *database.Service, args []string, w io.Writer) error {
	switch len(args) {
	case 0:
		return svc.FlushAll(ctx)
	case 1:
		d, err := svc.Resolve(ctx, args[0])
		if err != nil {
			return err
		}
		if err := svc.Flush(ctx, d.ID()); err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, d.ID())
		return err
	default:
		return fmt.Errorf("%w: flush expects at most 1 argument", errUsage)
	}
}

// cmdShell runs commands read line by line until EOF, quit or cancellation.
// Errors are printed and do not end the session.
func cmdShell(ctx context.Context, svc *database.Service, r io.Reader, w io.Writer, interactive bool) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		if interactive {
			fmt.Fprint(w, "rhinodb> ")
		}
		var line string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			line = l
		}
		args := strings.Fields(line)
		if len(args) == 0 || strings.HasPrefix(args[0], "#") {
			continue
		}
		var err error
		switch args[0] {
		case "quit", "exit":
			return nil
		case "help":
			_, err = fmt.Fprint(w, commandHelp+shellHelp)
		case "flush":
			err = cmdFlush(ctx, svc, args[1:], w)
		case "shell":
			err = errors.New("already in a shell")
		default:
			err = run(ctx, svc, args, nil, w)
		}
		if err != nil {
			fmt.Fprintf(w, "error: %v\n", err)
		}
	}
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}
